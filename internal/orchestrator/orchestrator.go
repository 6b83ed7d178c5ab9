// Package orchestrator drives one task execution for a plan: context
// construction, engine invocation, lifecycle events, and sandboxed file IO.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/engine"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/runctx"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/template"
)

// Status is the task final result status.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusError   Status = "ERROR"
)

// TFR is the structured outcome of one completed task run.
type TFR struct {
	RunID       string                        `json:"run_id"`
	Plan        string                        `json:"plan"`
	Task        string                        `json:"task"`
	Status      Status                        `json:"status"`
	UserData    map[string]any                `json:"user_data,omitempty"`
	ErrorInfo   string                        `json:"error_info,omitempty"`
	StartTime   time.Time                     `json:"start_time"`
	EndTime     time.Time                     `json:"end_time"`
	DurationMS  int64                         `json:"duration_ms"`
	NodeResults map[string]*runctx.NodeResult `json:"node_results"`
}

type planScopeKey struct{}

// WithPlanScope marks ctx as executing inside the named plan. The value is
// scoped to the derived context, so it is restored on every exit path.
func WithPlanScope(ctx context.Context, plan string) context.Context {
	return context.WithValue(ctx, planScopeKey{}, plan)
}

// PlanFromContext returns the plan the current invocation belongs to.
func PlanFromContext(ctx context.Context) (string, bool) {
	plan, ok := ctx.Value(planScopeKey{}).(string)
	return plan, ok
}

// Orchestrator executes tasks of a single plan against one registry
// snapshot. Instances are cheap; the execution manager creates one per plan
// per registry generation.
type Orchestrator struct {
	plan    string
	root    string
	reg     *plugin.Registry
	tasks   *task.Loader
	events  *bus.Bus
	pools   engine.Pools
	sandbox *Sandbox
	logger  *slog.Logger
}

// New creates an orchestrator for a plan rooted at dir.
func New(plan, dir string, reg *plugin.Registry, tasks *task.Loader, events *bus.Bus, pools engine.Pools, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sandbox, err := NewSandbox(dir)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		plan:    plan,
		root:    dir,
		reg:     reg,
		tasks:   tasks,
		events:  events,
		pools:   pools,
		sandbox: sandbox,
		logger:  logger.With("plan", plan),
	}, nil
}

// Plan returns the plan name this orchestrator serves.
func (o *Orchestrator) Plan() string { return o.plan }

// Files returns the plan-rooted sandboxed file operations.
func (o *Orchestrator) Files() *Sandbox { return o.sandbox }

// Quiet returns a copy that publishes no lifecycle events. Internal
// sub-runs, like state transitions and their checks, execute through it so
// observers only ever see the parent run on the bus.
func (o *Orchestrator) Quiet() *Orchestrator {
	c := *o
	c.events = nil
	return &c
}

// MintRunID builds the canonical run identifier for a task execution.
func MintRunID(plan, taskName string) string {
	return fmt.Sprintf("%s/%s:%d", plan, taskName, time.Now().UnixMilli())
}

// ExecuteTask runs one task to completion and returns its TFR. The returned
// error reproduces the failure cause for classification; the TFR is always
// populated. task.finished publication is left to the scheduler so the
// running-tasks table is updated before the terminal event goes out.
func (o *Orchestrator) ExecuteTask(ctx context.Context, runID, taskName string, inputs map[string]any) (*TFR, error) {
	ctx = WithPlanScope(ctx, o.plan)
	if runID == "" {
		runID = MintRunID(o.plan, taskName)
	}
	start := time.Now()
	tfr := &TFR{
		RunID:     runID,
		Plan:      o.plan,
		Task:      taskName,
		StartTime: start,
	}

	o.publish(ctx, "task.started", map[string]any{
		"run_id": runID,
		"plan":   o.plan,
		"task":   taskName,
	})

	def, err := o.tasks.GetTaskData(o.plan, taskName)
	if err != nil {
		return o.finish(tfr, nil, StatusError, err), err
	}
	bound, err := def.BindInputs(inputs)
	if err != nil {
		return o.finish(tfr, nil, StatusError, err), err
	}

	root := runctx.New(bound)
	root.SetFramework("run_id", runID)

	eng := engine.New(o.reg, o.pools, o.logger)
	runErr := eng.Run(ctx, def, root, func(name string, payload map[string]any) {
		payload["run_id"] = runID
		payload["plan"] = o.plan
		o.publish(ctx, name, payload)
	})

	status := finalStatus(root, runErr)
	if status == StatusSuccess && len(def.Returns) > 0 {
		rendered, rerr := template.RenderValue(def.Returns, root)
		if rerr != nil {
			return o.finish(tfr, root, StatusError, rerr), rerr
		}
		tfr.UserData, _ = rendered.(map[string]any)
	}
	return o.finish(tfr, root, status, runErr), runErr
}

// finalStatus scans node results: any failed node marks the task FAILED.
// Errors that never produced a failed node (cancellation, registry faults)
// surface as ERROR.
func finalStatus(root *runctx.Context, runErr error) Status {
	for _, node := range root.Nodes() {
		if node.Status == runctx.NodeFailed {
			return StatusFailed
		}
	}
	if runErr != nil {
		return StatusError
	}
	return StatusSuccess
}

func (o *Orchestrator) finish(tfr *TFR, root *runctx.Context, status Status, cause error) *TFR {
	tfr.Status = status
	tfr.EndTime = time.Now()
	tfr.DurationMS = tfr.EndTime.Sub(tfr.StartTime).Milliseconds()
	if root != nil {
		tfr.NodeResults = root.Nodes()
	} else {
		tfr.NodeResults = map[string]*runctx.NodeResult{}
	}
	if cause != nil {
		tfr.ErrorInfo = cause.Error()
	}
	return tfr
}

func (o *Orchestrator) publish(ctx context.Context, name string, payload map[string]any) {
	if o.events == nil {
		return
	}
	// Publishing must not fail the run; the bus already isolates callbacks.
	if err := o.events.Publish(context.WithoutCancel(ctx), bus.NewEvent(name, payload)); err != nil {
		o.logger.Warn("event publish interrupted", "event", name, "error", err)
	}
}

// ConditionDef is a single-action condition evaluated by interrupt rules.
type ConditionDef struct {
	Action string         `yaml:"action"`
	Params map[string]any `yaml:"params"`
}

// PerformConditionCheck invokes one action in a throwaway context and
// reports the truthiness of its output.
func (o *Orchestrator) PerformConditionCheck(ctx context.Context, cond ConditionDef) (bool, error) {
	if cond.Action == "" {
		return false, errors.New("condition has no action")
	}
	ctx = WithPlanScope(ctx, o.plan)

	def := &task.Definition{Steps: []task.Step{{
		Name:   "condition",
		Action: cond.Action,
		Params: cond.Params,
	}}}
	root := runctx.New(nil)
	eng := engine.New(o.reg, engine.InlinePools(), o.logger)
	if err := eng.Run(ctx, def, root, nil); err != nil {
		return false, err
	}
	out, _ := root.Resolve([]string{"steps", "condition", "output"})
	return template.Truthy(out), nil
}
