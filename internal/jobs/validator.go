package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/glazeai/backend/internal/models"
)

// ErrValidation marks a request rejected before any reservation; it has
// no financial effect.
var ErrValidation = errors.New("validation failed")

// Per-kind option schemas. The engine owns its kinds, so the schemas
// are embedded rather than loaded from a directory.
var optionSchemas = map[string]string{
	models.KindImage: `{
		"type": "object",
		"properties": {
			"width":  {"type": "integer", "minimum": 64, "maximum": 4096},
			"height": {"type": "integer", "minimum": 64, "maximum": 4096},
			"steps":  {"type": "integer", "minimum": 1, "maximum": 150},
			"seed":   {"type": "integer"},
			"negative_prompt": {"type": "string"}
		},
		"additionalProperties": true
	}`,
	models.KindVideo: `{
		"type": "object",
		"properties": {
			"duration_seconds": {"type": "number", "minimum": 1, "maximum": 60},
			"fps":              {"type": "integer", "minimum": 1, "maximum": 60},
			"seed":             {"type": "integer"}
		},
		"additionalProperties": true
	}`,
	models.KindChat: `{
		"type": "object",
		"properties": {
			"temperature": {"type": "number", "minimum": 0, "maximum": 2},
			"max_tokens":  {"type": "integer", "minimum": 1}
		},
		"additionalProperties": true
	}`,
	models.KindUpscale: `{
		"type": "object",
		"properties": {
			"scale": {"type": "integer", "enum": [2, 4, 8]}
		},
		"additionalProperties": true
	}`,
}

// kindsRequiringRef lists kinds that must carry a source asset.
var kindsRequiringRef = map[string]bool{
	models.KindUpscale: true,
}

// Validator checks an acceptance request before any credits move.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(optionSchemas))
	for kind, raw := range optionSchemas {
		c := jsonschema.NewCompiler()
		url := "mem://" + kind + ".json"
		if err := c.AddResource(url, bytes.NewReader([]byte(raw))); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", kind, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return &Validator{schemas: compiled}, nil
}

// ValidateRequest checks the structural inputs of an AcceptRequest.
func (v *Validator) ValidateRequest(req *AcceptRequest) error {
	if !models.KnownKinds[req.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, req.Kind)
	}
	if req.ModelSpec == "" {
		return fmt.Errorf("%w: model_spec is required", ErrValidation)
	}
	if req.Cardinality < 1 {
		return fmt.Errorf("%w: cardinality must be at least 1", ErrValidation)
	}
	if req.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if kindsRequiringRef[req.Kind] && len(req.RefURLs) == 0 {
		return fmt.Errorf("%w: kind %q requires a source asset reference", ErrValidation, req.Kind)
	}
	if len(req.Options) > 0 {
		var parsed any
		if err := json.Unmarshal(req.Options, &parsed); err != nil {
			return fmt.Errorf("%w: options is not valid JSON: %v", ErrValidation, err)
		}
		if err := v.schemas[req.Kind].Validate(parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}
