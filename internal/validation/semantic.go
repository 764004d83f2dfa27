package validation

import (
	"fmt"
	"time"

	"github.com/rendis/actuator/pkg/schema"
)

// PolicyChecker validates retry policies: shape via JSON Schema, then the
// relations between fields that a schema cannot express.
type PolicyChecker struct {
	schemas *JSONSchemaValidator
	// compileCondition checks a retry_if expression. Optional.
	compileCondition func(expr string) error
}

// NewPolicyChecker creates a PolicyChecker. compileCondition may be nil.
func NewPolicyChecker(schemas *JSONSchemaValidator, compileCondition func(string) error) *PolicyChecker {
	return &PolicyChecker{schemas: schemas, compileCondition: compileCondition}
}

// Check validates p and records issues under path in result.
func (c *PolicyChecker) Check(path string, p *schema.RetryPolicy, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if err := c.schemas.ValidatePolicyDocument(p); err != nil {
		result.AddErr(path, err)
		return
	}

	base, baseOK := parseDuration(path+".base_delay", p.BaseDelay, result)
	maxDelay, maxOK := parseDuration(path+".max_delay", p.MaxDelay, result)
	parseDuration(path+".attempt_timeout", p.AttemptTimeout, result)

	if baseOK && maxOK && maxDelay > 0 && base > maxDelay {
		result.AddError(path, fmt.Sprintf("base_delay %s exceeds max_delay %s", base, maxDelay))
	}
	if p.MaxAttempts == 1 && (p.BaseDelay != "" || len(p.RetryOn) > 0 || p.RetryIf != "") {
		result.AddWarning(path, "max_attempts is 1; retry settings have no effect")
	}
	if p.RetryIf != "" && len(p.RetryOn) > 0 {
		result.AddWarning(path, "retry_if is set; retry_on is ignored")
	}
	if p.RetryIf != "" && c.compileCondition != nil {
		result.AddErr(path+".retry_if", c.compileCondition(p.RetryIf))
	}
}

// Validate is Check for a single policy, returned as an error.
func (c *PolicyChecker) Validate(p *schema.RetryPolicy) error {
	result := &schema.ValidationResult{}
	c.Check("retry", p, result)
	return result.ToError()
}

func parseDuration(path, s string, result *schema.ValidationResult) (time.Duration, bool) {
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddError(path, fmt.Sprintf("invalid duration %q", s))
		return 0, false
	}
	if d < 0 {
		result.AddError(path, fmt.Sprintf("negative duration %q", s))
		return 0, false
	}
	return d, true
}
