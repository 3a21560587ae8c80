package reasoning

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Parser validates raw model output against the decision envelope and the
// chosen action's parameter schema.
type Parser struct {
	envelope *jsonschema.Schema
	params   map[string]*jsonschema.Schema
}

// NewParser compiles the envelope schema (action_kind restricted to the
// given actions) and one parameter schema per action.
func NewParser(actions []ActionSpec) (*Parser, error) {
	if len(actions) == 0 {
		return nil, errors.New("no actions available")
	}
	kinds := make([]string, 0, len(actions))
	for _, a := range actions {
		kinds = append(kinds, a.Kind)
	}
	envelope, err := json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"action_kind"},
		"properties": map[string]any{
			"action_kind": map[string]any{"type": "string", "enum": kinds},
			"parameters":  map[string]any{"type": "object"},
			"rationale":   map[string]any{"type": "string"},
		},
	})
	if err != nil {
		return nil, err
	}

	p := &Parser{params: make(map[string]*jsonschema.Schema, len(actions))}
	if p.envelope, err = compileSchema("decision.json", envelope); err != nil {
		return nil, err
	}
	for _, a := range actions {
		raw := a.Params
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		s, err := compileSchema("params/"+a.Kind+".json", raw)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Kind, err)
		}
		p.params[a.Kind] = s
	}
	return p, nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Parse extracts the first JSON object from text and validates it.
func (p *Parser) Parse(text string) (Decision, error) {
	js := extractJSON(text)
	if js == "" {
		return Decision{}, errors.New("response does not contain a JSON object")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(js))
	if err != nil {
		return Decision{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.envelope.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("decision: %w", err)
	}

	obj := doc.(map[string]any)
	kind := obj["action_kind"].(string)
	params, _ := obj["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	if err := p.params[kind].Validate(params); err != nil {
		return Decision{}, fmt.Errorf("%s parameters: %w", kind, err)
	}
	rationale, _ := obj["rationale"].(string)
	return Decision{ActionKind: kind, Parameters: params, Rationale: strings.TrimSpace(rationale)}, nil
}

// extractJSON finds a JSON object in the response text: a ```json fence,
// a bare fence, or the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSONObject(candidate) {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSONObject(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSONObject(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced {...} prefix of s, honouring strings.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
