// Package manager admits tasklets against concurrency limits and drives
// each one through planning, hooks, and orchestration to a final result.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/engine"
	"github.com/nightofknife/aura/internal/orchestrator"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/state"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/tasklet"
	"github.com/nightofknife/aura/internal/template"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Config bounds admission and pool sizing.
type Config struct {
	// GlobalCap limits tasklets executing at once across all plans.
	GlobalCap int64
	// ResourceCaps limits tasklets holding a given resource tag. Tags
	// without an entry use DefaultResourceCap.
	ResourceCaps       map[string]int64
	DefaultResourceCap int64

	IOWorkers     int64
	CPUWorkers    int64
	ShutdownGrace time.Duration

	Planner state.Options
}

// DefaultConfig sizes pools from the host CPU count.
func DefaultConfig() Config {
	cpus := int64(runtime.NumCPU())
	return Config{
		GlobalCap:          2 * cpus,
		DefaultResourceCap: 1,
		IOWorkers:          4 * cpus,
		CPUWorkers:         cpus,
		ShutdownGrace:      10 * time.Second,
		Planner:            state.DefaultOptions(),
	}
}

// Manager owns the worker pools and the admission semaphores. One instance
// serves the whole scheduler; registries are passed per submission so hot
// reloads never disturb in-flight work.
type Manager struct {
	cfg    Config
	tasks  *task.Loader
	events *bus.Bus
	logger *slog.Logger

	global *semaphore.Weighted

	mu      sync.Mutex
	tags    map[string]*semaphore.Weighted
	io      *Pool
	cpu     *Pool
	started bool
}

// New creates a manager. Startup must be called before submissions.
func New(cfg Config, tasks *task.Loader, events *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.GlobalCap < 1 {
		cfg.GlobalCap = def.GlobalCap
	}
	if cfg.DefaultResourceCap < 1 {
		cfg.DefaultResourceCap = def.DefaultResourceCap
	}
	if cfg.IOWorkers < 1 {
		cfg.IOWorkers = def.IOWorkers
	}
	if cfg.CPUWorkers < 1 {
		cfg.CPUWorkers = def.CPUWorkers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Manager{
		cfg:    cfg,
		tasks:  tasks,
		events: events,
		logger: logger.With("component", "manager"),
		global: semaphore.NewWeighted(cfg.GlobalCap),
		tags:   map[string]*semaphore.Weighted{},
	}
}

// Startup brings the worker pools online. Idempotent.
func (m *Manager) Startup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.io = NewPool("io", m.cfg.IOWorkers)
	m.cpu = NewPool("cpu", m.cfg.CPUWorkers)
	m.started = true
	m.logger.Info("worker pools online",
		"io_workers", m.cfg.IOWorkers, "cpu_workers", m.cfg.CPUWorkers)
}

// Shutdown stops admitting work and drains the pools within grace. Zero
// grace uses the configured default. Reports whether both pools drained.
func (m *Manager) Shutdown(grace time.Duration) bool {
	if grace <= 0 {
		grace = m.cfg.ShutdownGrace
	}
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return true
	}
	io, cpu := m.io, m.cpu
	m.started = false
	m.mu.Unlock()

	drained := io.Close(grace, m.logger)
	drained = cpu.Close(grace, m.logger) && drained
	return drained
}

// Pools returns the engine dispatch interface over the manager's pools.
func (m *Manager) Pools() engine.Pools {
	m.mu.Lock()
	defer m.mu.Unlock()
	return poolSet{io: m.io, cpu: m.cpu}
}

func (m *Manager) tagSemaphore(tag string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sem, ok := m.tags[tag]; ok {
		return sem
	}
	limit := m.cfg.DefaultResourceCap
	if v, ok := m.cfg.ResourceCaps[tag]; ok && v > 0 {
		limit = v
	}
	sem := semaphore.NewWeighted(limit)
	m.tags[tag] = sem
	return sem
}

// acquireAll takes the global semaphore and then each resource tag semaphore
// in sorted order. Everything already held is released when any later
// acquire is interrupted, so admission is all or nothing.
func (m *Manager) acquireAll(ctx context.Context, tags []string) (func(), error) {
	sems := make([]*semaphore.Weighted, 0, len(tags)+1)
	sems = append(sems, m.global)
	for _, tag := range tags {
		sems = append(sems, m.tagSemaphore(tag))
	}

	held := make([]*semaphore.Weighted, 0, len(sems))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, sem := range sems {
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, fmt.Errorf("admission cancelled: %w", auraerr.ErrCancelled)
		}
		held = append(held, sem)
	}
	return release, nil
}

// Submit runs one tasklet to completion: admission, optional state planning,
// lifecycle hooks, and orchestration. The registry snapshot passed in stays
// with the tasklet for its whole run.
func (m *Manager) Submit(ctx context.Context, tl *tasklet.Tasklet, reg *plugin.Registry) (*orchestrator.TFR, error) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return nil, auraerr.ErrSchedulerStopped
	}

	// Fold the tasklet's cancellation signal into the submission context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tl.CancelCtx(), cancel)
	defer stop()

	release, err := m.acquireAll(runCtx, tl.Resources)
	if err != nil {
		tl.SetStatus(tasklet.StatusCancelled)
		return nil, err
	}
	defer release()
	tl.SetStatus(tasklet.StatusAdmitted)

	planDef, ok := reg.Plan(tl.Plan)
	if !ok {
		err := fmt.Errorf("%w: %s", auraerr.ErrUnknownPlan, tl.Plan)
		tl.SetStatus(tasklet.StatusFailed)
		return nil, err
	}
	def, err := m.tasks.GetTaskData(tl.Plan, tl.Task)
	if err != nil {
		tl.SetStatus(tasklet.StatusFailed)
		return nil, err
	}

	orch, err := orchestrator.New(tl.Plan, planDef.Path, reg, m.tasks, m.events, m.Pools(), m.logger)
	if err != nil {
		tl.SetStatus(tasklet.StatusFailed)
		return nil, err
	}

	execCtx := runCtx
	timeout := tl.Timeout
	if timeout <= 0 && def.Meta.Timeout > 0 {
		timeout = time.Duration(def.Meta.Timeout * float64(time.Second))
	}
	if timeout > 0 {
		var cancelDeadline context.CancelFunc
		execCtx, cancelDeadline = context.WithTimeout(runCtx, timeout)
		defer cancelDeadline()
	}

	runID := tl.RunID
	if runID == "" {
		runID = orchestrator.MintRunID(tl.Plan, tl.Task)
	}
	payload := map[string]any{"run_id": runID, "plan": tl.Plan, "task": tl.Task}

	if target := def.Meta.RequiresState; target != "" {
		tl.SetStatus(tasklet.StatusPlanning)
		// Transition and check runs are internal; the quiet orchestrator
		// keeps their task.started off the public stream.
		if err := m.ensureState(execCtx, orch.Quiet(), planDef.Path, target); err != nil {
			err = m.classify(execCtx, tl, err)
			m.finish(execCtx, tl, reg, payload, nil, err)
			return nil, err
		}
	}

	reg.FireHooks(execCtx, plugin.HookBeforeTaskRun, payload)

	tl.SetStatus(tasklet.StatusRunning)
	tfr, runErr := orch.ExecuteTask(execCtx, runID, tl.Task, tl.Inputs)
	runErr = m.classify(execCtx, tl, runErr)
	m.finish(execCtx, tl, reg, payload, tfr, runErr)
	return tfr, runErr
}

// classify rewrites context-shaped failures so downstream consumers see the
// deadline or the cancellation, not the low-level cause.
func (m *Manager) classify(execCtx context.Context, tl *tasklet.Tasklet, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, auraerr.ErrTimeout) || errors.Is(err, auraerr.ErrCancelled):
		return err
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", auraerr.ErrTimeout, err)
	case tl.Cancelled() || errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", auraerr.ErrCancelled, err)
	}
	return err
}

// finish records the terminal status and fires the after hooks.
func (m *Manager) finish(ctx context.Context, tl *tasklet.Tasklet, reg *plugin.Registry, payload map[string]any, tfr *orchestrator.TFR, err error) {
	// Hooks still fire after timeout or cancellation.
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		tl.SetStatus(tasklet.StatusSucceeded)
		success := clonePayload(payload)
		if tfr != nil {
			success["result"] = tfr.UserData
		}
		reg.FireHooks(ctx, plugin.HookAfterTaskSuccess, success)
	} else {
		kind := auraerr.Classify(err)
		tl.SetStatus(statusForKind(kind))
		failure := clonePayload(payload)
		failure["kind"] = string(kind)
		failure["error"] = err.Error()
		reg.FireHooks(ctx, plugin.HookAfterTaskFailure, failure)
	}
	reg.FireHooks(ctx, plugin.HookAfterTaskRun, payload)
}

func statusForKind(kind auraerr.FailureKind) tasklet.Status {
	switch kind {
	case auraerr.FailureTimeout:
		return tasklet.StatusTimeout
	case auraerr.FailureCancelled:
		return tasklet.StatusCancelled
	case auraerr.FailurePlanningFailed:
		return tasklet.StatusPlanningFailed
	default:
		return tasklet.StatusFailed
	}
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ensureState detects the current state and, when it differs from target,
// plans and executes the transition path before the task proper runs.
func (m *Manager) ensureState(ctx context.Context, orch *orchestrator.Orchestrator, planRoot, target string) error {
	sm, err := state.LoadMap(planRoot)
	if err != nil {
		return err
	}
	if sm == nil {
		return &auraerr.PlanningError{Target: target, Reason: "plan has no state map"}
	}
	planner := state.NewPlanner(sm, &stateRunner{orch: orch}, m.cfg.Planner, m.logger)

	current, _, err := planner.DetermineCurrentState(ctx, target)
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}
	if current == state.Unknown {
		return &auraerr.PlanningError{Target: target, Reason: "current state unknown"}
	}
	path, err := planner.Plan(current, target)
	if err != nil {
		return err
	}
	m.logger.Info("state transition planned",
		"plan", orch.Plan(), "from", current, "to", target, "transitions", len(path))
	return planner.ExecutePlan(ctx, target, path)
}

// stateRunner executes transition and check tasks through the tasklet's own
// orchestrator, so they see the same registry snapshot and sandbox.
type stateRunner struct {
	orch *orchestrator.Orchestrator
}

func (r *stateRunner) RunTask(ctx context.Context, taskID string) error {
	_, err := r.orch.ExecuteTask(ctx, "", taskID, nil)
	return err
}

// RunCheck treats a successful check task as truthy. A `result` return, when
// present, decides instead, so checks can report false without failing.
func (r *stateRunner) RunCheck(ctx context.Context, taskID string) (bool, error) {
	tfr, err := r.orch.ExecuteTask(ctx, "", taskID, nil)
	if err != nil {
		return false, err
	}
	if v, ok := tfr.UserData["result"]; ok {
		return template.Truthy(v), nil
	}
	return true, nil
}
