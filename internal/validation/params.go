package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/rendis/actuator/internal/actions"
	"github.com/rendis/actuator/pkg/schema"
)

// Strictness decides what happens to parameters an action does not declare.
type Strictness string

const (
	// Strict rejects undeclared parameters with INVALID_PARAMETERS.
	Strict Strictness = "strict"
	// Lenient drops undeclared parameters before the action sees them.
	Lenient Strictness = "lenient"
)

// ParseStrictness maps a config value to a Strictness. Empty means Strict.
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case "", Strict:
		return Strict, nil
	case Lenient:
		return Lenient, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown validation mode %q (want strict or lenient)", s)
}

// ParamValidator checks invocation parameters against an action's declared
// ParamSpecs and binds defaults. Compiled schemas are cached. Safe for
// concurrent use.
type ParamValidator struct {
	strictness Strictness
	schemas    *JSONSchemaValidator
}

// NewParamValidator creates a validator in the given mode.
func NewParamValidator(strictness Strictness, schemas *JSONSchemaValidator) *ParamValidator {
	if strictness == "" {
		strictness = Strict
	}
	return &ParamValidator{strictness: strictness, schemas: schemas}
}

// Strictness returns the configured mode.
func (v *ParamValidator) Strictness() Strictness {
	return v.strictness
}

// Bind validates params for the named action and returns a new map with
// defaults applied for missing optional parameters (and, in lenient mode,
// undeclared parameters removed). params is never modified.
func (v *ParamValidator) Bind(action string, specs []actions.ParamSpec, params map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(specs))
	if v.strictness == Lenient {
		for _, p := range specs {
			if val, ok := params[p.Name]; ok {
				bound[p.Name] = val
			}
		}
	} else {
		maps.Copy(bound, params)
	}

	raw, err := ParamSchema(specs, v.strictness)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build parameter schema: %v", err).WithAction(action)
	}
	if err := v.schemas.ValidateInput(bound, raw); err != nil {
		var aerr *schema.ActuatorError
		if !errors.As(err, &aerr) {
			aerr = schema.NewError(schema.ErrCodeInvalidParameters, err.Error()).WithCause(err)
		}
		return nil, aerr.WithAction(action)
	}

	for _, p := range specs {
		if _, ok := bound[p.Name]; !ok && p.Default != nil {
			bound[p.Name] = p.Default
		}
	}
	return bound, nil
}

// ParamSchema renders ParamSpecs as a JSON Schema object. Output is
// deterministic so it can be used as a cache key.
func ParamSchema(specs []actions.ParamSpec, strictness Strictness) ([]byte, error) {
	props := make(map[string]any, len(specs))
	required := make([]string, 0, len(specs))
	for _, p := range specs {
		prop := map[string]any{}
		if p.Type != actions.ParamAny && p.Type != "" {
			prop["type"] = string(p.Type)
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": strictness != Strict,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	return b, nil
}
