package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name   string
	desc   string
	params []ParamSpec
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc, Params: s.params}
}
func (s *stubAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: json.RawMessage(`{"ok":true}`)}, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return nil }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var aerr *schema.ActuatorError
	require.True(t, errors.As(err, &aerr), "expected *schema.ActuatorError, got %T", err)
	assert.Equal(t, code, aerr.Code)
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{name: "test.action", desc: "A test action"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	requireCode(t, reg.Register(&stubAction{name: "dup"}), schema.ErrCodeDuplicateName)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()

	requireCode(t, reg.Register(nil), schema.ErrCodeValidation)
	requireCode(t, reg.Register(&stubAction{name: ""}), schema.ErrCodeValidation)
	requireCode(t, reg.Register(&stubAction{name: "bad", params: []ParamSpec{{Name: "x", Type: "date"}}}), schema.ErrCodeValidation)
	requireCode(t, reg.Register(&stubAction{name: "twice", params: []ParamSpec{
		{Name: "x", Type: ParamString}, {Name: "x", Type: ParamNumber},
	}}), schema.ErrCodeValidation)
	requireCode(t, reg.Register(Define("norun")), schema.ErrCodeValidation)

	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_LookupAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	a, ok := reg.Lookup("fetch")
	require.True(t, ok)
	assert.Equal(t, "fetch", a.Name())

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())

	_, err = reg.Get("missing")
	requireCode(t, err, schema.ErrCodeUnknownAction)
}

func TestRegistry_NamesAndList_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "z.action", desc: "last"}))
	require.NoError(t, reg.Register(&stubAction{name: "a.action", desc: "first", params: []ParamSpec{{Name: "url", Type: ParamString, Required: true}}}))
	require.NoError(t, reg.Register(&stubAction{name: "m.action", desc: "middle"}))

	assert.Equal(t, []string{"a.action", "m.action", "z.action"}, reg.Names())

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.action", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	require.Len(t, infos[0].Params, 1)
	assert.Equal(t, "url", infos[0].Params[0].Name)
	assert.Equal(t, "z.action", infos[2].Name)
}

func TestRegistry_List_Empty(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.List())
	assert.Empty(t, reg.Names())
}

func TestRegistry_Seal(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "before"}))
	reg.Seal()
	reg.Seal()
	assert.True(t, reg.Sealed())

	requireCode(t, reg.Register(&stubAction{name: "after"}), schema.ErrCodeRegistrySealed)
	_, err := reg.RegisterNamespace("ns", []Action{&stubAction{name: "x"}})
	requireCode(t, err, schema.ErrCodeRegistrySealed)

	assert.True(t, reg.Has("before"))
	assert.False(t, reg.Has("after"))
	assert.Equal(t, []string{"before"}, reg.Names())
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_RegisterNamespace(t *testing.T) {
	reg := NewRegistry()
	acts := []Action{
		&stubAction{name: "set_light", desc: "Set a light"},
		&stubAction{name: "list_rooms", desc: "List rooms"},
	}

	n, err := reg.RegisterNamespace("endpoint", acts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("endpoint.set_light"))
	assert.True(t, reg.Has("endpoint.list_rooms"))

	got, err := reg.Get("endpoint.set_light")
	require.NoError(t, err)
	assert.Equal(t, "endpoint.set_light", got.Name())
	assert.Equal(t, "Set a light", got.Schema().Description)
}

func TestRegistry_RegisterNamespace_Errors(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterNamespace("", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	require.NoError(t, reg.Register(&stubAction{name: "gh.create_issue"}))
	_, err = reg.RegisterNamespace("gh", []Action{
		&stubAction{name: "list_repos"},
		&stubAction{name: "create_issue"},
	})
	requireCode(t, err, schema.ErrCodeDuplicateName)
	// All or nothing.
	assert.False(t, reg.Has("gh.list_repos"))

	_, err = reg.RegisterNamespace("dup", []Action{&stubAction{name: "a"}, &stubAction{name: "a"}})
	requireCode(t, err, schema.ErrCodeDuplicateName)
}

func TestRegistry_ConcurrentReadsAfterSeal(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, reg.Register(&stubAction{name: n}))
	}
	reg.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := reg.Lookup("b")
			assert.True(t, ok)
			assert.Len(t, reg.List(), 3)
		}()
	}
	wg.Wait()
}

func TestRegistry_ConcurrentRegisterAndRead(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = reg.Register(&stubAction{name: string(rune('a' + n))})
		}(i)
		go func() {
			defer wg.Done()
			reg.Names()
			reg.Has("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Count())
}
