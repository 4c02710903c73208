package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docsteps-backend/internal/llm"
	"docsteps-backend/internal/shared/telemetry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
	// error bodies are quoted into step results, keep them short
	maxErrorBody = 512
)

// Client implements llm.Provider on the Chat Completions endpoint.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewClient builds a client for model. A non-positive timeout uses the default.
func NewClient(apiKey, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:  apiKey,
		model:   strings.TrimSpace(model),
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model          string    `json:"model"`
	Messages       []message `json:"messages"`
	Temperature    *float64  `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends one system + user exchange and returns the trimmed reply. An empty
// reply is returned as-is; whether it parses is the caller's concern.
func (c *Client) Chat(ctx context.Context, in llm.ChatRequest) (string, error) {
	payload, err := json.Marshal(c.buildRequest(in))
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classify("openai request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify("openai read body", err)
	}

	var out completionResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 || out.Error != nil {
		statusErr := &llm.StatusError{Provider: "openai", Status: resp.StatusCode, Message: truncate(strings.TrimSpace(string(body)))}
		if decodeErr == nil && out.Error != nil {
			statusErr.Message, statusErr.Type = out.Error.Message, out.Error.Type
		}
		return "", statusErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("openai response parse: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai response missing choices")
	}

	choice := out.Choices[0]
	telemetry.Debug("llm.response", map[string]any{
		"model":             c.model,
		"response_id":       out.ID,
		"finish_reason":     choice.FinishReason,
		"prompt_tokens":     out.Usage.PromptTokens,
		"completion_tokens": out.Usage.CompletionTokens,
	})
	return strings.TrimSpace(choice.Message.Content), nil
}

func (c *Client) buildRequest(in llm.ChatRequest) completionRequest {
	req := completionRequest{Model: c.model}
	if strings.TrimSpace(in.System) != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: in.System})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: in.User})
	if in.JSONObject {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	if !isGPT5(c.model) {
		temp := in.Temperature
		req.Temperature = &temp
	}
	return req
}

func classify(op string, err error) error {
	if llm.IsTimeout(err) {
		return fmt.Errorf("%w: %s: %v", llm.ErrTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	return s[:maxErrorBody] + "..."
}

// gpt-5 models reject a non-default temperature.
func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

var _ llm.Provider = (*Client)(nil)
