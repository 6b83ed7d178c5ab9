// Package engine walks a task's step list within one run: guards, loops,
// action resolution, service injection, pool dispatch, and error recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/runctx"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/template"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Pools dispatches blocking work to the shared worker pools. IO-bound
// actions run on the IO pool; actions flagged cpu_bound run on the CPU pool.
type Pools interface {
	RunIO(ctx context.Context, fn func(context.Context) error) error
	RunCPU(ctx context.Context, fn func(context.Context) error) error
}

// EmitFunc publishes a node lifecycle event on behalf of the engine.
type EmitFunc func(name string, payload map[string]any)

// inlinePools executes work directly on the calling goroutine. Used by
// condition checks and tests where pool scheduling is irrelevant.
type inlinePools struct{}

func (inlinePools) RunIO(ctx context.Context, fn func(context.Context) error) error  { return fn(ctx) }
func (inlinePools) RunCPU(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

// InlinePools returns a pool set that runs work synchronously in place.
func InlinePools() Pools { return inlinePools{} }

// Engine executes task definitions against a registry snapshot.
type Engine struct {
	reg    *plugin.Registry
	pools  Pools
	logger *slog.Logger
}

// New creates an engine bound to one registry snapshot.
func New(reg *plugin.Registry, pools Pools, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pools == nil {
		pools = InlinePools()
	}
	return &Engine{reg: reg, pools: pools, logger: logger}
}

// Run executes the definition's steps against the root context. Node results
// and step outputs land in the context; the first unrecovered failure stops
// the walk and is returned. A task-level on_error block runs before a
// failure propagates.
func (e *Engine) Run(ctx context.Context, def *task.Definition, root *runctx.Context, emit EmitFunc) error {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	err := e.runSteps(ctx, def.Steps, root, emit)
	if err != nil && len(def.OnError) > 0 {
		if rerr := e.runSteps(ctx, def.OnError, root, emit); rerr != nil {
			e.logger.Error("task on_error block failed", "error", rerr)
		}
	}
	return err
}

// runSteps walks a step list, honoring control signals.
func (e *Engine) runSteps(ctx context.Context, steps []task.Step, scope *runctx.Context, emit EmitFunc) error {
	for i := range steps {
		ctl, err := e.runStep(ctx, &steps[i], scope, emit)
		if err != nil {
			return err
		}
		if ctl == nil {
			continue
		}
		switch ctl.Kind {
		case plugin.ControlSkipRest:
			return nil
		case plugin.ControlStopTask:
			if ctl.Status != "" && ctl.Status != "SUCCESS" {
				return fmt.Errorf("task stopped by action with status %s", ctl.Status)
			}
			return nil
		}
	}
	return nil
}

// runStep executes one step: guard, loop, or single invocation, plus the
// step's own on_error recovery.
func (e *Engine) runStep(ctx context.Context, step *task.Step, scope *runctx.Context, emit EmitFunc) (*plugin.Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyCtx(err)
	}

	if step.When != "" {
		ok, err := template.RenderBool(step.When, scope)
		if err != nil {
			return nil, e.failStep(ctx, step, scope, emit, err)
		}
		if !ok {
			scope.RecordNode(step.Name, &runctx.NodeResult{
				Status:  runctx.NodeSkipped,
				StartMS: runctx.NowMS(),
				EndMS:   runctx.NowMS(),
			})
			emit("node.finished", map[string]any{"node": step.Name, "status": "skipped"})
			return nil, nil
		}
	}

	if step.Loop != "" {
		return e.runLoop(ctx, step, scope, emit)
	}

	output, ctl, err := e.invoke(ctx, step, scope, emit)
	if err != nil {
		return nil, e.failStep(ctx, step, scope, emit, err)
	}
	scope.RecordOutput(step.Name, output)
	return ctl, nil
}

// runLoop renders the loop expression to a finite sequence and executes the
// step body once per element in a child scope binding item and loop.index.
func (e *Engine) runLoop(ctx context.Context, step *task.Step, scope *runctx.Context, emit EmitFunc) (*plugin.Control, error) {
	rendered, err := template.Render(step.Loop, scope)
	if err != nil {
		return nil, e.failStep(ctx, step, scope, emit, err)
	}
	seq, ok := rendered.([]any)
	if !ok {
		return nil, e.failStep(ctx, step, scope, emit,
			&auraerr.RenderError{Expr: step.Loop, Message: fmt.Sprintf("loop value must be a sequence, got %T", rendered)})
	}

	start := runctx.NowMS()
	outputs := make([]any, 0, len(seq))
	for i, item := range seq {
		child := scope.Child(item, i)
		output, ctl, err := e.invoke(ctx, step, child, emit)
		if err != nil {
			return nil, e.failStep(ctx, step, scope, emit, err)
		}
		outputs = append(outputs, output)
		if ctl != nil && ctl.Kind != plugin.ControlContinue {
			scope.RecordOutput(step.Name, outputs)
			return ctl, nil
		}
	}
	scope.RecordOutput(step.Name, outputs)
	scope.RecordNode(step.Name, &runctx.NodeResult{
		Status:  runctx.NodeSuccess,
		StartMS: start,
		EndMS:   runctx.NowMS(),
		Output:  outputs,
	})
	return nil, nil
}

// invoke resolves the action, injects services, renders params, and runs the
// callable on the appropriate pool. It records the node result.
func (e *Engine) invoke(ctx context.Context, step *task.Step, scope *runctx.Context, emit EmitFunc) (any, *plugin.Control, error) {
	entry, err := e.reg.Action(step.Action)
	if err != nil {
		return nil, nil, err
	}

	services := map[string]any{}
	for alias, svcName := range entry.Requires {
		instance, err := e.reg.ResolveService(svcName)
		if err != nil {
			return nil, nil, fmt.Errorf("injecting service %q for action %s: %w", alias, entry.FQID, err)
		}
		services[alias] = instance
	}

	rendered, err := template.RenderValue(step.Params, scope)
	if err != nil {
		return nil, nil, err
	}
	params, _ := rendered.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	start := runctx.NowMS()
	emit("node.started", map[string]any{"node": step.Name, "action": entry.FQID})

	call := &plugin.Call{
		Params:   params,
		Services: services,
		Logger:   e.logger.With("action", entry.FQID, "node", step.Name),
		Heartbeat: func() {
			emit("node.heartbeat", map[string]any{"node": step.Name})
		},
	}

	var output any
	run := func(runCtx context.Context) error {
		var actErr error
		output, actErr = entry.Fn(runCtx, call)
		return actErr
	}
	if entry.CPUBound {
		err = e.pools.RunCPU(ctx, run)
	} else {
		err = e.pools.RunIO(ctx, run)
	}
	if err != nil {
		return nil, nil, &auraerr.ActionError{Action: entry.FQID, Step: step.Name, Err: err}
	}

	// Actions may return a control signal as their output.
	if ctl, isControl := output.(*plugin.Control); isControl {
		scope.RecordNode(step.Name, &runctx.NodeResult{
			Status:  runctx.NodeSuccess,
			StartMS: start,
			EndMS:   runctx.NowMS(),
			Output:  ctl.Output,
		})
		emit("node.finished", map[string]any{"node": step.Name, "status": "success"})
		return ctl.Output, ctl, nil
	}

	scope.RecordNode(step.Name, &runctx.NodeResult{
		Status:  runctx.NodeSuccess,
		StartMS: start,
		EndMS:   runctx.NowMS(),
		Output:  output,
	})
	emit("node.finished", map[string]any{"node": step.Name, "status": "success"})
	return output, nil, nil
}

// failStep records the failed node, emits node.finished, and either runs the
// step's on_error recovery (swallowing the failure) or propagates it.
func (e *Engine) failStep(ctx context.Context, step *task.Step, scope *runctx.Context, emit EmitFunc, cause error) error {
	scope.RecordNode(step.Name, &runctx.NodeResult{
		Status:  runctx.NodeFailed,
		StartMS: runctx.NowMS(),
		EndMS:   runctx.NowMS(),
		Error:   cause.Error(),
	})
	emit("node.finished", map[string]any{"node": step.Name, "status": "failed", "error": cause.Error()})

	if len(step.OnError) == 0 {
		return cause
	}
	e.logger.Warn("step failed, running on_error recovery", "node", step.Name, "error", cause)
	if err := e.runSteps(ctx, step.OnError, scope, emit); err != nil {
		return fmt.Errorf("on_error recovery for step %q failed: %w", step.Name, err)
	}
	return nil
}

func classifyCtx(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return auraerr.ErrTimeout
	}
	return auraerr.ErrCancelled
}
