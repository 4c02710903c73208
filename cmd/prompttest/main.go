package main

// Run a step's prompt sequence against one local file without touching the database:
//   go run ./cmd/prompttest -file report.pdf -prompts prompts.json

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docsteps-backend/internal/bootstrap"
	"docsteps-backend/internal/executor"
	"docsteps-backend/internal/extract"
	"docsteps-backend/internal/shared/config"
	"docsteps-backend/internal/steps"
)

func main() {
	cfg := config.Load()

	filePath := flag.String("file", "", "Path to document file (pdf or docx)")
	promptsPath := flag.String("prompts", "", "Path to a JSON prompts array")
	description := flag.String("description", "", "Step description, used when no prompts are given")
	outPath := flag.String("out", "", "Path to write the result JSON (optional)")
	model := flag.String("model", cfg.LLMModel, "LLM model")
	flag.Parse()

	if strings.TrimSpace(*filePath) == "" {
		exitErr("file path is required")
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		exitErr(fmt.Sprintf("read file: %v", err))
	}
	text, err := extract.Extract(data, filepath.Base(*filePath))
	if err != nil {
		exitErr(fmt.Sprintf("extract text: %v", err))
	}

	var rawPrompts json.RawMessage
	if strings.TrimSpace(*promptsPath) != "" {
		rawPrompts, err = os.ReadFile(*promptsPath)
		if err != nil {
			exitErr(fmt.Sprintf("read prompts: %v", err))
		}
	}
	units, err := steps.NormalizePrompts(rawPrompts, *description)
	if err != nil {
		exitErr(fmt.Sprintf("prompts: %v", err))
	}

	cfg.LLMModel = *model
	provider, err := bootstrap.BuildProvider(cfg)
	if err != nil {
		exitErr(err.Error())
	}
	exec := executor.New(provider, cfg.LLMTemperature)

	result := map[string]any{}
	for i, prompt := range steps.Sequence(units) {
		input := ""
		if prompt.IncludeDocumentContext {
			input = text
		}
		raw, parsed, err := exec.Execute(context.Background(), prompt.PromptConfig, input, result, nil, "")
		if err != nil {
			exitErr(fmt.Sprintf("prompt %d: %v", i+1, err))
		}
		switch v := parsed.(type) {
		case nil:
			exitErr(fmt.Sprintf("prompt %d returned unparseable output: %s", i+1, raw))
		case map[string]any:
			for k, val := range v {
				result[k] = val
			}
		default:
			result[fmt.Sprintf("prompt_%d_raw_non_dict_llm_output", i+1)] = v
		}
	}

	pretty, err := prettyJSON(result)
	if err != nil {
		exitErr(fmt.Sprintf("format json: %v", err))
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, pretty, 0o644); err != nil {
			exitErr(fmt.Sprintf("write output: %v", err))
		}
	}

	if _, err := os.Stdout.Write(pretty); err != nil {
		exitErr(fmt.Sprintf("write stdout: %v", err))
	}
}

func prettyJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func exitErr(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
