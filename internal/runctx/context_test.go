package runctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNamespaces(t *testing.T) {
	c := New(map[string]any{"name": "World"})
	c.RecordOutput("fetch", map[string]any{"total": 3})
	c.SetCtx("attempts", 2)

	v, ok := c.Resolve([]string{"inputs", "name"})
	require.True(t, ok)
	assert.Equal(t, "World", v)

	v, ok = c.Resolve([]string{"steps", "fetch", "output", "total"})
	require.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = c.Resolve([]string{"ctx", "attempts"})
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Resolve([]string{"inputs", "missing"})
	assert.False(t, ok)
}

func TestChildShadowsCtx(t *testing.T) {
	parent := New(nil)
	parent.SetCtx("mode", "outer")

	child := parent.Child("element", 4)
	child.SetCtx("mode", "inner")

	v, ok := child.Resolve([]string{"ctx", "mode"})
	require.True(t, ok)
	assert.Equal(t, "inner", v)

	v, ok = parent.Resolve([]string{"ctx", "mode"})
	require.True(t, ok)
	assert.Equal(t, "outer", v, "parent cell must not be overwritten")

	// Inherited reads fall through to the parent.
	parent.SetCtx("shared", true)
	v, ok = child.Resolve([]string{"ctx", "shared"})
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestLoopBindings(t *testing.T) {
	root := New(nil)
	child := root.Child(map[string]any{"id": 9}, 2)

	v, ok := child.Resolve([]string{"item", "id"})
	require.True(t, ok)
	assert.Equal(t, 9, v)

	v, ok = child.Resolve([]string{"loop", "index"})
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = root.Resolve([]string{"item"})
	assert.False(t, ok, "item is only bound inside a loop scope")
}

func TestSharedStepsAcrossChildren(t *testing.T) {
	root := New(nil)
	child := root.Child("x", 0)
	child.RecordOutput("inner", "done")

	v, ok := root.Resolve([]string{"steps", "inner", "output"})
	require.True(t, ok)
	assert.Equal(t, "done", v)
}

func TestNodeRecording(t *testing.T) {
	c := New(nil)
	c.RecordNode("s1", &NodeResult{Status: NodeSuccess, Output: 1})
	c.RecordNode("s2", &NodeResult{Status: NodeFailed, Error: "boom"})

	nodes := c.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeSuccess, nodes["s1"].Status)
	assert.Equal(t, "boom", nodes["s2"].Error)
}
