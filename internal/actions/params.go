package actions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/actuator/pkg/schema"
)

// Param helpers used by all action files. Params arrive already validated,
// so a wrong type only happens for optional params and falls back to the default.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func durationParam(m map[string]any, key string) (time.Duration, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeInvalidParameters, "%s: invalid duration %q", key, s).
			WithDetails(map[string]any{"param": key})
	}
	return d, nil
}

// checkDurations rejects any of keys that is set but does not parse as a
// non-negative duration.
func checkDurations(keys ...string) func(map[string]any) error {
	return func(params map[string]any) error {
		for _, k := range keys {
			if _, err := durationParam(params, k); err != nil {
				return err
			}
		}
		return nil
	}
}

// checkAll runs fns in order and returns the first failure.
func checkAll(fns ...func(map[string]any) error) func(map[string]any) error {
	return func(params map[string]any) error {
		for _, fn := range fns {
			if err := fn(params); err != nil {
				return err
			}
		}
		return nil
	}
}

func headerParam(m map[string]any, key string) http.Header {
	raw, ok := m[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	h := make(http.Header, len(raw))
	for k, v := range raw {
		h.Set(k, fmt.Sprintf("%v", v))
	}
	return h
}

// JSONOutput marshals v as the action's output data.
func JSONOutput(v any) (*ActionOutput, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal output: %v", err).WithCause(err)
	}
	return &ActionOutput{Data: data}, nil
}
