package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/actuator/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// retryPolicySchemaJSON is the JSON Schema for RetryPolicy documents coming
// from settings files, the HTTP API and MCP tools.
const retryPolicySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://actuator.dev/schemas/retry-policy.json",
  "type": "object",
  "properties": {
    "max_attempts": {"type": "integer", "minimum": 0, "maximum": 100},
    "base_delay": {"type": "string", "pattern": "` + durationPattern + `"},
    "multiplier": {"type": "number", "minimum": 1},
    "max_delay": {"type": "string", "pattern": "` + durationPattern + `"},
    "jitter": {"type": "boolean"},
    "attempt_timeout": {"type": "string", "pattern": "` + durationPattern + `"},
    "retry_on": {
      "type": "array",
      "items": {"type": "integer", "minimum": 400, "maximum": 599},
      "uniqueItems": true
    },
    "retry_if": {"type": "string"}
  },
  "additionalProperties": false
}`

const retryPolicySchemaURL = "https://actuator.dev/schemas/retry-policy.json"

// JSONSchemaValidator checks retry policies and action parameters against
// Draft 2020-12 schemas. Safe for concurrent use.
type JSONSchemaValidator struct {
	policySchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the retry-policy schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(retryPolicySchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal retry policy schema: %w", err)
	}
	if err := c.AddResource(retryPolicySchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add retry policy schema resource: %w", err)
	}
	policySchema, err := c.Compile(retryPolicySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile retry policy schema: %w", err)
	}

	return &JSONSchemaValidator{
		policySchema: policySchema,
		cache:        make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePolicyDocument checks the shape of a retry policy.
func (v *JSONSchemaValidator) ValidatePolicyDocument(p *schema.RetryPolicy) error {
	if p == nil {
		return nil
	}
	doc, err := toJSONValue(p)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize retry policy").WithCause(err)
	}
	if err := v.policySchema.Validate(doc); err != nil {
		return toActuatorError(schema.ErrCodeValidation, err)
	}
	return nil
}

// ValidateInput checks input against a raw JSON Schema. Compiled schemas are
// cached by content hash.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.compiled(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidParameters, "parameters are not JSON-encodable").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toActuatorError(schema.ErrCodeInvalidParameters, err)
	}
	return nil
}

func (v *JSONSchemaValidator) compiled(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	url := "actuator://param-schema/" + hex.EncodeToString(sum[:8])

	v.mu.RLock()
	sch, ok := v.cache[url]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.cache[url]; ok {
		return sch, nil
	}
	// Resources keep their URL in the compiler, so each schema gets its own.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	if sch, err = c.Compile(url); err != nil {
		return nil, err
	}
	v.cache[url] = sch
	return sch, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue re-decodes v so numbers arrive as json.Number, which the
// validator requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// Violation is one failed schema keyword at an instance location.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string { return v.Path + ": " + v.Message }

// toActuatorError flattens a validation error into its leaf violations. The
// message names the first one; Details carries them all.
func toActuatorError(code string, err error) *schema.ActuatorError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(code, err.Error())
	}

	violations := leafViolations(verr, nil)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}
	msg := violations[0].String()
	if extra := len(violations) - 1; extra > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, extra)
	}
	return schema.NewError(code, msg).WithDetails(map[string]any{"violations": violations})
}

func leafViolations(verr *jsonschema.ValidationError, out []Violation) []Violation {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			out = leafViolations(cause, out)
		}
		return out
	}
	return append(out, Violation{
		Path:    "/" + strings.Join(verr.InstanceLocation, "/"),
		Message: verr.Error(),
	})
}
