package steps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PromptKind tags the variant held by a PromptUnit.
type PromptKind string

const (
	KindStandard    PromptKind = "standard_prompt"
	KindConditional PromptKind = "conditional_block"
)

// PromptConfig is one instruction sent to the model.
type PromptConfig struct {
	Text                   string `json:"text" validate:"required"`
	IncludeDocumentContext bool   `json:"include_document_context"`
}

// PromptUnit is a standard prompt or a conditional block. For a conditional
// block Prompt holds the gate and Actions the gated prompts.
type PromptUnit struct {
	Kind    PromptKind     `validate:"oneof=standard_prompt conditional_block"`
	Prompt  PromptConfig
	Actions []PromptConfig `validate:"required_if=Kind conditional_block,dive"`
	// Legacy marks units built from a bare string or the step description.
	Legacy bool
}

// Prompt is one entry of the flattened execution sequence.
type Prompt struct {
	PromptConfig
	Legacy bool
}

const promptsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "oneOf": [
      {"type": "string"},
      {
        "type": "object",
        "required": ["prompt"],
        "properties": {
          "type": {"const": "standard_prompt"},
          "prompt": {"$ref": "#/$defs/prompt"}
        }
      },
      {
        "type": "object",
        "required": ["type", "condition_prompt", "action_prompts"],
        "properties": {
          "type": {"const": "conditional_block"},
          "condition_prompt": {"$ref": "#/$defs/prompt"},
          "action_prompts": {"type": "array", "items": {"$ref": "#/$defs/prompt"}}
        }
      }
    ]
  },
  "$defs": {
    "prompt": {
      "type": "object",
      "required": ["text"],
      "properties": {
        "text": {"type": "string"},
        "include_document_context": {"type": "boolean"}
      }
    }
  }
}`

var (
	compiledSchema = jsonschema.MustCompileString("prompts.schema.json", promptsSchema)
	validate       = validator.New()
)

type rawPromptConfig struct {
	Text                   string `json:"text"`
	IncludeDocumentContext *bool  `json:"include_document_context"`
}

func (r *rawPromptConfig) config() PromptConfig {
	if r == nil {
		return PromptConfig{}
	}
	include := true
	if r.IncludeDocumentContext != nil {
		include = *r.IncludeDocumentContext
	}
	return PromptConfig{Text: strings.TrimSpace(r.Text), IncludeDocumentContext: include}
}

type rawPromptItem struct {
	Type            PromptKind        `json:"type"`
	Prompt          *rawPromptConfig  `json:"prompt"`
	ConditionPrompt *rawPromptConfig  `json:"condition_prompt"`
	ActionPrompts   []rawPromptConfig `json:"action_prompts"`
}

// NormalizePrompts turns the stored prompts column into prompt units. It
// accepts an array of strings and/or prompt objects, a single string, or
// nothing, in which case a non-blank legacy description becomes the only
// prompt. ErrNoPrompts is returned when nothing usable remains.
func NormalizePrompts(raw json.RawMessage, description string) ([]PromptUnit, error) {
	units, err := decodePrompts(raw)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		if desc := strings.TrimSpace(description); desc != "" {
			units = []PromptUnit{legacyUnit(desc)}
		}
	}
	if len(units) == 0 {
		return nil, ErrNoPrompts
	}
	for i := range units {
		if err := validate.Struct(units[i]); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidPrompts, i+1, err)
		}
	}
	return units, nil
}

func decodePrompts(raw json.RawMessage) ([]PromptUnit, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrompts, err)
		}
		if s := strings.TrimSpace(single); s != "" {
			return []PromptUnit{legacyUnit(s)}, nil
		}
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrompts, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrompts, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrompts, err)
	}
	units := make([]PromptUnit, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			_ = json.Unmarshal(item, &s)
			if s = strings.TrimSpace(s); s != "" {
				units = append(units, legacyUnit(s))
			}
			continue
		}
		var ri rawPromptItem
		if err := json.Unmarshal(item, &ri); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrompts, err)
		}
		if ri.Type == KindConditional {
			unit := PromptUnit{Kind: KindConditional, Prompt: ri.ConditionPrompt.config()}
			for _, a := range ri.ActionPrompts {
				unit.Actions = append(unit.Actions, a.config())
			}
			units = append(units, unit)
			continue
		}
		units = append(units, PromptUnit{Kind: KindStandard, Prompt: ri.Prompt.config()})
	}
	return units, nil
}

func legacyUnit(text string) PromptUnit {
	return PromptUnit{
		Kind:   KindStandard,
		Prompt: PromptConfig{Text: text, IncludeDocumentContext: true},
		Legacy: true,
	}
}

// Sequence flattens units into execution order. A conditional block runs its
// gate and then every action; the gate result is not evaluated.
func Sequence(units []PromptUnit) []Prompt {
	out := make([]Prompt, 0, len(units))
	for _, u := range units {
		out = append(out, Prompt{PromptConfig: u.Prompt, Legacy: u.Legacy})
		if u.Kind == KindConditional {
			for _, a := range u.Actions {
				out = append(out, Prompt{PromptConfig: a})
			}
		}
	}
	return out
}
