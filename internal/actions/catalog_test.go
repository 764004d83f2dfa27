package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(name string) *Descriptor {
	return Define(name).
		Describe("echo params").
		Required("msg", ParamString, "message").
		Run(func(_ context.Context, in ActionInput) (*ActionOutput, error) {
			return JSONOutput(in.Params)
		})
}

func TestDefine_Builder(t *testing.T) {
	d := Define("fetch_status").
		Describe("GET a URL").
		Required("url", ParamString, "target").
		Optional("headers", ParamObject, "").
		Param(ParamSpec{Name: "mode", Type: ParamString, Enum: []any{"a", "b"}, Default: "a"}).
		Check(func(p map[string]any) error {
			if p["url"] == "bad" {
				return schema.NewError(schema.ErrCodeInvalidParameters, "bad url")
			}
			return nil
		}).
		Run(func(_ context.Context, in ActionInput) (*ActionOutput, error) {
			return JSONOutput(map[string]any{"url": in.Params["url"], "attempt": in.Attempt})
		})

	assert.Equal(t, "fetch_status", d.Name())
	s := d.Schema()
	assert.Equal(t, "GET a URL", s.Description)
	require.Len(t, s.Params, 3)
	assert.True(t, s.Params[0].Required)
	assert.False(t, s.Params[1].Required)
	p, ok := s.Param("mode")
	require.True(t, ok)
	assert.Equal(t, "a", p.Default)

	// The returned schema is a copy.
	s.Params[0].Name = "mutated"
	assert.Equal(t, "url", d.Schema().Params[0].Name)

	assert.NoError(t, d.Validate(map[string]any{"url": "ok"}))
	assert.Error(t, d.Validate(map[string]any{"url": "bad"}))

	out, err := d.Execute(context.Background(), ActionInput{Params: map[string]any{"url": "u"}, Attempt: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"u","attempt":2}`, string(out.Data))
}

func TestDescriptor_ExecuteWithoutRun(t *testing.T) {
	_, err := Define("empty").Execute(context.Background(), ActionInput{})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestBootstrap_DistinctNamesResolvable(t *testing.T) {
	reg, err := Bootstrap(
		Group{Actions: []Action{echo("one")}},
		Group{Actions: []Action{echo("two")}},
		Group{Prefix: "endpoint", Actions: []Action{echo("three")}},
	)
	require.NoError(t, err)
	assert.True(t, reg.Sealed())

	for _, name := range []string{"one", "two", "endpoint.three"} {
		_, ok := reg.Lookup(name)
		assert.True(t, ok, name)
	}
}

func TestBootstrap_OrderIrrelevant(t *testing.T) {
	a, err := Bootstrap(Group{Actions: []Action{echo("x"), echo("y"), echo("z")}})
	require.NoError(t, err)
	b, err := Bootstrap(Group{Actions: []Action{echo("z")}}, Group{Actions: []Action{echo("y"), echo("x")}})
	require.NoError(t, err)
	assert.Equal(t, a.Names(), b.Names())
}

func TestBootstrap_DuplicateFails(t *testing.T) {
	_, err := Bootstrap(
		Group{Actions: []Action{echo("same")}},
		Group{Actions: []Action{echo("other"), echo("same")}},
	)
	assert.Equal(t, schema.ErrCodeDuplicateName, schema.CodeOf(err))

	// Namespaced names collide with plain ones too.
	_, err = Bootstrap(
		Group{Actions: []Action{echo("endpoint.a")}},
		Group{Prefix: "endpoint", Actions: []Action{echo("a")}},
	)
	assert.Equal(t, schema.ErrCodeDuplicateName, schema.CodeOf(err))
}

func TestMustBootstrap_PanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() {
		MustBootstrap(Group{Actions: []Action{echo("dup"), echo("dup")}})
	})
	assert.NotPanics(t, func() {
		MustBootstrap(Group{Actions: []Action{echo("solo")}})
	})
}

func TestBuiltins_Bootstrap(t *testing.T) {
	reg := MustBootstrap(Group{Actions: Builtins(Deps{Transport: transport.NewClient(transport.Config{})})})

	assert.Equal(t, []string{
		"expr.eval", "fetch_status", "http.get", "http.post", "http.request",
		"http.stream", "jq", "log", "sse.collect",
	}, reg.Names())

	for _, info := range reg.List() {
		assert.NotEmpty(t, info.Description, info.Name)
		a, _ := reg.Lookup(info.Name)
		if len(a.Schema().OutputSchema) > 0 {
			assert.True(t, json.Valid(a.Schema().OutputSchema), info.Name)
		}
	}
}
