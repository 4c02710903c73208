// Package executor turns one prompt of a processing step into a single LLM
// exchange and parses the JSON object the model answers with.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"docsteps-backend/internal/llm"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/steps"
)

const (
	DefaultTemperature = 0.2

	systemInstruction = "You are an AI assistant that processes documents and extracts information as a structured JSON object according to user instructions. Follow the JSON output requirements strictly."

	documentHeader = "Document Content:"
	priorHeader    = "Information Extracted So Far (Current Step - use this to inform your answer for the current instruction. Do NOT simply copy this information.):"
	otherHeader    = "Pre-extracted Information from Other Analysis Steps (This is context from DIFFERENT analysis tasks. Use it to inform your answer to the current instruction IF RELEVANT. Do NOT simply copy this information.):"

	priorUnavailable = "(Note: Information from the current step was available but could not be serialized for the prompt.)"
	otherUnavailable = "(Note: Previous analysis data from other steps was available but could not be serialized for the prompt.)"

	closingInstruction = "Respond ONLY with the valid JSON object described by the instruction at the beginning of this message. Do not include explanations or markdown formatting in your response.\n" +
		"The JSON object should be the direct answer to the instruction, based on the Document Content (if provided) and informed by any other contextual information given."
)

// Executor runs prompts against an llm.Provider.
type Executor struct {
	provider    llm.Provider
	temperature float64
}

// New returns an Executor. A non-positive temperature uses DefaultTemperature.
func New(provider llm.Provider, temperature float64) *Executor {
	if temperature <= 0 {
		temperature = DefaultTemperature
	}
	return &Executor{provider: provider, temperature: temperature}
}

// Execute builds the instruction for prompt, calls the model and parses its
// answer. parsed is nil when the answer is empty or not valid JSON; err is
// only set when the provider itself failed.
func (e *Executor) Execute(
	ctx context.Context,
	prompt steps.PromptConfig,
	documentText string,
	prior map[string]any,
	otherSteps map[string]json.RawMessage,
	stepID string,
) (raw string, parsed any, err error) {
	user := BuildPrompt(prompt, documentText, prior, otherSteps, stepID)

	raw, err = e.provider.Chat(ctx, llm.ChatRequest{
		System:      systemInstruction,
		User:        user,
		Temperature: e.temperature,
		JSONObject:  true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("execute prompt: %w", err)
	}

	parsed, perr := ParseResponse(raw)
	if perr != nil {
		telemetry.Warn("executor.parse_failed", map[string]any{
			"step_id": stepID,
			"error":   perr.Error(),
			"raw":     truncate(raw, 500),
		})
		return raw, nil, nil
	}
	return raw, parsed, nil
}

// BuildPrompt assembles the user message. The document section is present
// only when the prompt asks for it and there is text; the context sections
// only when they have content. stepID's own entry is dropped from otherSteps.
func BuildPrompt(prompt steps.PromptConfig, documentText string, prior map[string]any, otherSteps map[string]json.RawMessage, stepID string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt.Text))

	if prompt.IncludeDocumentContext && strings.TrimSpace(documentText) != "" {
		b.WriteString("\n\n")
		b.WriteString(documentHeader)
		b.WriteString("\n")
		b.WriteString(documentText)
	}

	if len(prior) > 0 {
		b.WriteString("\n\n")
		if snapshot, err := json.MarshalIndent(prior, "", "  "); err == nil {
			b.WriteString(priorHeader)
			b.WriteString("\n")
			b.Write(snapshot)
		} else {
			telemetry.Warn("executor.prior_snapshot_failed", map[string]any{"step_id": stepID, "error": err.Error()})
			b.WriteString(priorUnavailable)
		}
	}

	filtered := make(map[string]json.RawMessage, len(otherSteps))
	for k, v := range otherSteps {
		if k != stepID {
			filtered[k] = v
		}
	}
	if len(filtered) > 0 {
		b.WriteString("\n\n")
		if snapshot, err := json.MarshalIndent(filtered, "", "  "); err == nil {
			b.WriteString(otherHeader)
			b.WriteString("\n")
			b.Write(snapshot)
		} else {
			telemetry.Warn("executor.other_snapshot_failed", map[string]any{"step_id": stepID, "error": err.Error()})
			b.WriteString(otherUnavailable)
		}
	}

	b.WriteString("\n\n")
	b.WriteString(closingInstruction)
	return b.String()
}

// ParseResponse strips a Markdown code fence and decodes the remaining JSON.
func ParseResponse(raw string) (any, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty response")
	}
	var out any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// StripFences removes a leading ```json or ``` fence and its closing fence.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = strings.TrimPrefix(s, "```json")
	case strings.HasPrefix(s, "```"):
		s = strings.TrimPrefix(s, "```")
	default:
		return s
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
