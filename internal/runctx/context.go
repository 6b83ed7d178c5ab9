// Package runctx holds the per-run mutable scope a task executes against.
package runctx

import (
	"sync"
	"time"
)

// NodeStatus is the terminal state of one executed step.
type NodeStatus string

const (
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
	NodeSkipped NodeStatus = "SKIPPED"
)

// NodeResult records the outcome of one step (or one loop iteration).
type NodeResult struct {
	Status  NodeStatus `json:"status"`
	StartMS int64      `json:"start_ms"`
	EndMS   int64      `json:"end_ms"`
	Output  any        `json:"output,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Context is the mutable scope for one task run. Child contexts share the
// parent's step outputs and node table by reference but may shadow `ctx`
// cells and the loop bindings.
type Context struct {
	mu sync.RWMutex

	inputs    map[string]any
	steps     map[string]any // step name -> {"output": ...}
	ctx       map[string]any
	nodes     map[string]*NodeResult
	framework map[string]any

	parent    *Context
	loopItem  any
	loopIndex int
	inLoop    bool
}

// New builds a root context with frozen input bindings.
func New(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Context{
		inputs:    inputs,
		steps:     map[string]any{},
		ctx:       map[string]any{},
		nodes:     map[string]*NodeResult{},
		framework: map[string]any{},
	}
}

// Child creates a loop-iteration scope binding `item` and `loop.index`.
// Step outputs and node results stay shared with the parent.
func (c *Context) Child(item any, index int) *Context {
	return &Context{
		inputs:    c.inputs,
		steps:     c.steps,
		ctx:       map[string]any{},
		nodes:     c.nodes,
		framework: c.framework,
		parent:    c,
		loopItem:  item,
		loopIndex: index,
		inLoop:    true,
	}
}

// SetCtx writes a user cell. Writes on a child shadow the parent.
func (c *Context) SetCtx(name string, value any) {
	c.mu.Lock()
	c.ctx[name] = value
	c.mu.Unlock()
}

// RecordOutput stores a step's output under steps.<name>.output.
func (c *Context) RecordOutput(step string, output any) {
	c.mu.Lock()
	c.steps[step] = map[string]any{"output": output}
	c.mu.Unlock()
}

// RecordNode stores the node result for a step.
func (c *Context) RecordNode(step string, node *NodeResult) {
	c.mu.Lock()
	c.nodes[step] = node
	c.mu.Unlock()
}

// Nodes returns a copy of the node result table.
func (c *Context) Nodes() map[string]*NodeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*NodeResult, len(c.nodes))
	for k, v := range c.nodes {
		out[k] = v
	}
	return out
}

// SetFramework records an internal diagnostic value.
func (c *Context) SetFramework(key string, value any) {
	c.mu.Lock()
	c.framework[key] = value
	c.mu.Unlock()
}

// Resolve implements template.Scope over the context namespaces.
func (c *Context) Resolve(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch path[0] {
	case "inputs":
		return walk(c.inputs, path[1:])
	case "steps":
		return walk(c.steps, path[1:])
	case "ctx":
		return c.resolveCtx(path[1:])
	case "item":
		if cur := c.loopScope(); cur != nil {
			return walkAny(cur.loopItem, path[1:])
		}
		return nil, false
	case "loop":
		cur := c.loopScope()
		if cur == nil || len(path) != 2 {
			return nil, false
		}
		if path[1] == "index" {
			return cur.loopIndex, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// loopScope finds the nearest enclosing loop context.
func (c *Context) loopScope() *Context {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.inLoop {
			return cur
		}
	}
	return nil
}

// resolveCtx looks up a user cell, consulting parents for shadowed scopes.
func (c *Context) resolveCtx(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	for cur := c; cur != nil; cur = cur.parent {
		if v, ok := cur.ctx[path[0]]; ok {
			return walkAny(v, path[1:])
		}
	}
	return nil, false
}

func walk(m map[string]any, path []string) (any, bool) {
	return walkAny(m, path)
}

func walkAny(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if ok {
			if cur, ok = m[seg]; ok {
				continue
			}
			return nil, false
		}
		s, ok := cur.([]any)
		if ok {
			idx, valid := sliceIndex(seg, len(s))
			if !valid {
				return nil, false
			}
			cur = s[idx]
			continue
		}
		return nil, false
	}
	return cur, true
}

func sliceIndex(seg string, n int) (int, bool) {
	idx := 0
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
		idx = idx*10 + int(r-'0')
	}
	if seg == "" || idx >= n {
		return 0, false
	}
	return idx, true
}

// NowMS returns the current wall clock in epoch milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}
