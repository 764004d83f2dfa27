package actions

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/actuator/pkg/schema"
)

// RunFunc executes an action with already validated parameters.
type RunFunc func(ctx context.Context, input ActionInput) (*ActionOutput, error)

// Descriptor is a declaratively built Action: a name, an ordered parameter
// list, and a run function. Build one with Define:
//
//	actions.Define("fetch_status").
//		Describe("GET a URL and return its JSON body").
//		Required("url", actions.ParamString, "absolute http(s) URL").
//		Run(fetch)
//
// A Descriptor must not be modified after it has been registered.
type Descriptor struct {
	name   string
	schema ActionSchema
	check  func(params map[string]any) error
	run    RunFunc
}

// Define starts a descriptor for the named action.
func Define(name string) *Descriptor {
	return &Descriptor{name: name}
}

// Describe sets the human-readable description.
func (d *Descriptor) Describe(text string) *Descriptor {
	d.schema.Description = text
	return d
}

// Required declares a required parameter.
func (d *Descriptor) Required(name string, typ ParamType, description string) *Descriptor {
	return d.Param(ParamSpec{Name: name, Type: typ, Required: true, Description: description})
}

// Optional declares an optional parameter.
func (d *Descriptor) Optional(name string, typ ParamType, description string) *Descriptor {
	return d.Param(ParamSpec{Name: name, Type: typ, Description: description})
}

// Param declares a parameter from a full spec (enums, defaults).
func (d *Descriptor) Param(spec ParamSpec) *Descriptor {
	d.schema.Params = append(d.schema.Params, spec)
	return d
}

// Output sets the JSON schema of the output data. Informational only.
func (d *Descriptor) Output(jsonSchema string) *Descriptor {
	d.schema.OutputSchema = json.RawMessage(jsonSchema)
	return d
}

// Check sets a semantic validation hook run after schema validation.
func (d *Descriptor) Check(fn func(params map[string]any) error) *Descriptor {
	d.check = fn
	return d
}

// Run sets the execution function.
func (d *Descriptor) Run(fn RunFunc) *Descriptor {
	d.run = fn
	return d
}

func (d *Descriptor) Name() string { return d.name }

// Schema returns a copy of the declared schema.
func (d *Descriptor) Schema() ActionSchema {
	s := d.schema
	s.Params = slices.Clone(d.schema.Params)
	return s
}

func (d *Descriptor) Validate(params map[string]any) error {
	if d.check == nil {
		return nil
	}
	return d.check(params)
}

func (d *Descriptor) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if d.run == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no run function").WithAction(d.name)
	}
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	return d.run(ctx, input)
}

var _ Action = (*Descriptor)(nil)
