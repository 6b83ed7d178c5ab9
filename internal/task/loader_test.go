package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

const sampleTask = `
meta:
  title: Say hello
inputs:
  - name: name
    type: string
    required: true
steps:
  - name: print_greeting
    action: "core.log"
    params:
      message: "Hello, {{ inputs.name }}!"
      level: INFO
returns:
  greeting: "{{ steps.print_greeting.output }}"
`

func writeTask(t *testing.T, root, plan, name, body string) string {
	t.Helper()
	dir := filepath.Join(root, plan, "tasks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestGetTaskData(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "hello", "say_hello", sampleTask)

	l := NewLoader(nil)
	l.SetPlanRoot("hello", filepath.Join(root, "hello"))

	def, err := l.GetTaskData("hello", "say_hello")
	require.NoError(t, err)
	assert.Equal(t, "Say hello", def.Meta.Title)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "core.log", def.Steps[0].Action)
	assert.Contains(t, def.Returns, "greeting")
}

func TestUnknownPlanAndTask(t *testing.T) {
	l := NewLoader(nil)
	_, err := l.GetTaskData("nope", "x")
	assert.ErrorIs(t, err, auraerr.ErrUnknownPlan)

	l.SetPlanRoot("hello", t.TempDir())
	_, err = l.GetTaskData("hello", "missing")
	assert.ErrorIs(t, err, auraerr.ErrUnknownTask)
}

func TestCacheInvalidationByMtime(t *testing.T) {
	root := t.TempDir()
	path := writeTask(t, root, "hello", "say_hello", sampleTask)

	l := NewLoader(nil)
	l.SetPlanRoot("hello", filepath.Join(root, "hello"))

	first, err := l.GetTaskData("hello", "say_hello")
	require.NoError(t, err)

	again, err := l.GetTaskData("hello", "say_hello")
	require.NoError(t, err)
	assert.Same(t, first, again, "unchanged file is served from cache")

	// Rewrite with a different title and a future mtime.
	updated := "meta:\n  title: Updated\nsteps:\n  - name: s\n    action: core.noop\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	reloaded, err := l.GetTaskData("hello", "say_hello")
	require.NoError(t, err)
	assert.Equal(t, "Updated", reloaded.Meta.Title)
}

func TestBindInputs(t *testing.T) {
	def := &Definition{Inputs: []InputSpec{
		{Name: "name", Type: TypeString, Required: true},
		{Name: "count", Type: TypeInteger, Default: 1},
	}}

	bound, err := def.BindInputs(map[string]any{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "World", bound["name"])
	assert.Equal(t, 1, bound["count"], "default applied")

	_, err = def.BindInputs(map[string]any{})
	assert.True(t, auraerr.IsValidation(err), "missing required input")

	_, err = def.BindInputs(map[string]any{"name": 42})
	assert.True(t, auraerr.IsValidation(err), "ill-typed input")
}

func TestBindInputsAcceptsJSONDecodedNumbers(t *testing.T) {
	def := &Definition{Inputs: []InputSpec{
		{Name: "count", Type: TypeInteger, Required: true},
		{Name: "ratio", Type: TypeFloat},
	}}

	// JSON decoding turns every number into float64.
	var supplied map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"count": 3, "ratio": 0.5}`), &supplied))
	bound, err := def.BindInputs(supplied)
	require.NoError(t, err)
	assert.Equal(t, float64(3), bound["count"])
	assert.Equal(t, 0.5, bound["ratio"])

	_, err = def.BindInputs(map[string]any{"count": 3.5})
	assert.True(t, auraerr.IsValidation(err), "fractional value is not an integer")

	bound, err = def.BindInputs(map[string]any{"count": json.Number("7")})
	require.NoError(t, err)
	assert.Equal(t, json.Number("7"), bound["count"])

	_, err = def.BindInputs(map[string]any{"count": json.Number("7.5")})
	assert.True(t, auraerr.IsValidation(err))
}

func TestDefinitionValidate(t *testing.T) {
	bad := &Definition{Steps: []Step{
		{Name: "a", Action: "core.noop"},
		{Name: "a", Action: "core.noop"},
	}}
	assert.Error(t, bad.Validate(), "duplicate step names rejected")

	unqualified := &Definition{Steps: []Step{{Name: "a", Action: "log"}}}
	assert.Error(t, unqualified.Validate(), "action must be plan.name")
}

func TestResolveTaskFile(t *testing.T) {
	root := t.TempDir()
	path := writeTask(t, root, "hello", "say_hello", sampleTask)

	l := NewLoader(nil)
	l.SetPlanRoot("hello", filepath.Join(root, "hello"))

	plan, name, ok := l.ResolveTaskFile(path)
	require.True(t, ok)
	assert.Equal(t, "hello", plan)
	assert.Equal(t, "say_hello", name)

	_, _, ok = l.ResolveTaskFile(filepath.Join(root, "hello", "other.yaml"))
	assert.False(t, ok)
}
