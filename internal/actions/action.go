package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/actuator/internal/transport"
)

// Action is a named unit of work invoked by the engine.
type Action interface {
	Name() string
	Schema() ActionSchema
	// Validate performs semantic checks that the parameter schema cannot
	// express (e.g. URL shape). Structural checks happen before it is called.
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
}

// ActionRegistry is the read side of the registry used by the engine and the
// outer surfaces.
type ActionRegistry interface {
	Lookup(name string) (Action, bool)
	Get(name string) (Action, error)
	Names() []string
	List() []ActionInfo
}

// ParamType is the JSON type of a parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
	ParamAny     ParamType = "any"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamString, ParamInteger, ParamNumber, ParamBoolean, ParamObject, ParamArray, ParamAny:
		return true
	}
	return false
}

// ParamSpec declares one parameter of an action.
type ParamSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// ActionSchema describes the input/output contract of an action.
// Params are ordered as declared.
type ActionSchema struct {
	Description  string          `json:"description,omitempty"`
	Params       []ParamSpec     `json:"params,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Param returns the spec named name.
func (s ActionSchema) Param(name string) (ParamSpec, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params       map[string]any `json:"params"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
}

// ActionOutput is the result of an action execution. Streaming actions set
// Stream and leave the body unread; the caller owns it until drained or closed.
type ActionOutput struct {
	Data   json.RawMessage   `json:"data,omitempty"`
	Stream *transport.Stream `json:"-"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}
