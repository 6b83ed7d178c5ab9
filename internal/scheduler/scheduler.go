// Package scheduler is the system entry point: it owns the tasklet queues,
// the consumer loops, interrupt rules, schedule entries, and the hot-reload
// supervisor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nightofknife/aura/internal/bus"
	"github.com/nightofknife/aura/internal/manager"
	"github.com/nightofknife/aura/internal/orchestrator"
	"github.com/nightofknife/aura/internal/plugin"
	"github.com/nightofknife/aura/internal/task"
	"github.com/nightofknife/aura/internal/tasklet"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Queue names.
const (
	QueueMain      = "main"
	QueueEvent     = "event"
	QueueInterrupt = "interrupt"
)

// Config tunes consumer counts and background supervisors.
type Config struct {
	// EventWorkers is the consumer count on the event queue.
	EventWorkers int
	// QueueSize caps the depth of the main and event queues; zero is
	// unbounded. The interrupt queue is never bounded.
	QueueSize int
	// ReloadDebounce coalesces filesystem change bursts.
	ReloadDebounce time.Duration
	// InterruptRate bounds interrupt-rule evaluation sweeps per second.
	InterruptRate rate.Limit
	// DrainGrace bounds the cooperative drain on Stop.
	DrainGrace time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		EventWorkers:   4,
		ReloadDebounce: 300 * time.Millisecond,
		InterruptRate:  rate.Limit(1),
		DrainGrace:     10 * time.Second,
	}
}

// Scheduler coordinates queues, the execution manager, and the registry
// lifecycle. One instance per process.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	events  *bus.Bus
	tasks   *task.Loader
	plugins *plugin.Loader
	mgr     *manager.Manager

	// regMu is the reload writer lock: admission reads it, reload writes it.
	regMu sync.RWMutex
	reg   *plugin.Registry

	main      *Queue
	event     *Queue
	interrupt *Queue

	runMu   sync.Mutex
	queued  map[string]*tasklet.Tasklet // run id -> still in a queue
	running map[string]*tasklet.Tasklet // run id -> submitted

	// schedMu guards the schedule/rule tables and the cron runner, which a
	// full hot reload rebuilds while consumers are live.
	schedMu   sync.RWMutex
	rules     []*ruleState
	schedules map[string]*ScheduleEntry
	cron      cronRunner

	mu       sync.Mutex
	started  bool
	loopCtx  context.Context
	stopLoop context.CancelFunc
	execCtx  context.Context
	stopExec context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg Config, plugins *plugin.Loader, tasks *task.Loader, mgr *manager.Manager, events *bus.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.EventWorkers < 1 {
		cfg.EventWorkers = def.EventWorkers
	}
	if cfg.ReloadDebounce <= 0 {
		cfg.ReloadDebounce = def.ReloadDebounce
	}
	if cfg.InterruptRate <= 0 {
		cfg.InterruptRate = def.InterruptRate
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = def.DrainGrace
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		events:    events,
		tasks:     tasks,
		plugins:   plugins,
		mgr:       mgr,
		main:      NewQueue(QueueMain, cfg.QueueSize, events),
		event:     NewQueue(QueueEvent, cfg.QueueSize, events),
		interrupt: NewQueue(QueueInterrupt, 0, events),
		queued:    map[string]*tasklet.Tasklet{},
		running:   map[string]*tasklet.Tasklet{},
		schedules: map[string]*ScheduleEntry{},
	}
}

// Registry returns the current registry snapshot. In-flight tasklets keep
// the pointer they captured at admission; reloads only affect new work.
func (s *Scheduler) Registry() *plugin.Registry {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.reg
}

func (s *Scheduler) swapRegistry(reg *plugin.Registry) {
	s.regMu.Lock()
	s.reg = reg
	s.regMu.Unlock()
	for _, name := range reg.PlanNames() {
		if def, ok := reg.Plan(name); ok {
			s.tasks.SetPlanRoot(name, def.Path)
		}
	}
}

// Start loads plugins, brings the pools online, and launches the consumer
// loops and supervisors. It returns once every consumer is dispatching.
// Plugin load faults (cycles, duplicate ids, bad manifests) refuse startup.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	reg, err := s.plugins.Load()
	if err != nil {
		return fmt.Errorf("plugin load: %w", err)
	}
	s.swapRegistry(reg)

	if err := s.loadSchedules(); err != nil {
		return err
	}
	if err := s.loadRules(); err != nil {
		return err
	}

	s.mgr.Startup()
	s.loopCtx, s.stopLoop = context.WithCancel(context.Background())
	s.execCtx, s.stopExec = context.WithCancel(context.Background())

	consumers := []struct {
		q      *Queue
		count  int
		inline bool
	}{
		{s.main, 1, false},
		{s.event, s.cfg.EventWorkers, true},
		{s.interrupt, 1, true},
	}
	var ready sync.WaitGroup
	for _, c := range consumers {
		for i := 0; i < c.count; i++ {
			s.wg.Add(1)
			ready.Add(1)
			go s.consume(c.q, c.inline, &ready)
		}
	}
	ready.Wait()
	s.started = true

	s.startCron()
	s.wg.Add(1)
	go s.pollInterrupts()
	s.startReloadWatcher()

	s.logger.Info("scheduler started",
		"plans", len(reg.PlanNames()), "event_workers", s.cfg.EventWorkers)
	return nil
}

// Stop drains cooperatively: consumers stop dequeuing at once, in-flight
// work gets DrainGrace to finish, then outstanding tasklets are cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.stopCron()
	s.stopLoop()
	s.main.Close()
	s.event.Close()
	s.interrupt.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainGrace):
		s.logger.Warn("drain grace elapsed, cancelling in-flight tasklets")
		s.runMu.Lock()
		for _, tl := range s.running {
			tl.Cancel()
		}
		s.runMu.Unlock()
		s.stopExec()
		<-done
	}
	s.stopExec()
	s.mgr.Shutdown(s.cfg.DrainGrace)
	s.logger.Info("scheduler stopped")
}

// Started reports whether the scheduler is accepting work.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// consume is one queue consumer loop. Main-queue dispatch spawns so the
// dispatcher keeps draining while tasklets wait on admission; event and
// interrupt consumers run their tasklet inline.
func (s *Scheduler) consume(q *Queue, inline bool, ready *sync.WaitGroup) {
	defer s.wg.Done()
	ready.Done()
	for {
		tl, err := q.Dequeue(s.loopCtx)
		if err != nil {
			return
		}
		if tl.Cancelled() {
			// Cancel raced the dequeue; treat as dropped before admission.
			s.forgetQueued(tl.RunID)
			tl.SetStatus(tasklet.StatusCancelled)
			s.publishCancelled(tl)
			continue
		}
		s.markRunning(tl)
		if inline {
			s.execute(tl)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(tl)
		}()
	}
}

// execute submits one tasklet and publishes its terminal event after it has
// left the running table.
func (s *Scheduler) execute(tl *tasklet.Tasklet) {
	reg := s.Registry()
	tfr, err := s.mgr.Submit(s.execCtx, tl, reg)

	s.runMu.Lock()
	delete(s.running, tl.RunID)
	s.runMu.Unlock()

	if err != nil && !tl.WasAdmitted() {
		// Admission was cancelled: no task.started ever went out, so the
		// terminal event is task.cancelled rather than task.finished.
		s.publishCancelled(tl)
		return
	}
	if err != nil {
		// A failure before orchestration began (missing task file, state
		// planning fault) never emitted task.started; emit it here so the
		// stream stays paired for observers.
		if _, start, _ := tl.Times(); start.IsZero() {
			s.publish("task.started", map[string]any{
				"run_id": tl.RunID,
				"plan":   tl.Plan,
				"task":   tl.Task,
			})
		}
		s.logger.Warn("tasklet finished with failure",
			"run_id", tl.RunID, "status", string(tl.Status()), "error", err)
	}

	payload := map[string]any{
		"run_id": tl.RunID,
		"plan":   tl.Plan,
		"task":   tl.Task,
		"status": finishedStatus(tl.Status()),
	}
	if tfr != nil {
		payload["tfr"] = tfr
	}
	s.publish("task.finished", payload)
}

// finishedStatus maps the tasklet terminal status onto the task.finished
// status vocabulary.
func finishedStatus(st tasklet.Status) string {
	if st == tasklet.StatusSucceeded {
		return "SUCCESS"
	}
	return string(st)
}

func (s *Scheduler) markRunning(tl *tasklet.Tasklet) {
	s.runMu.Lock()
	delete(s.queued, tl.RunID)
	s.running[tl.RunID] = tl
	s.runMu.Unlock()
}

func (s *Scheduler) forgetQueued(runID string) {
	s.runMu.Lock()
	delete(s.queued, runID)
	s.runMu.Unlock()
}

// RunAdHocTask validates the target, builds a tasklet, and enqueues it on
// the main queue. Validation failures surface synchronously; after that the
// caller observes progress through events.
func (s *Scheduler) RunAdHocTask(plan, taskName string, inputs map[string]any, opts ...tasklet.Option) (string, error) {
	return s.enqueueTask(s.main, plan, taskName, inputs, opts...)
}

// RunEventTask enqueues a lightweight event-triggered task on the event
// queue.
func (s *Scheduler) RunEventTask(plan, taskName string, inputs map[string]any, opts ...tasklet.Option) (string, error) {
	return s.enqueueTask(s.event, plan, taskName, inputs, opts...)
}

func (s *Scheduler) enqueueTask(q *Queue, plan, taskName string, inputs map[string]any, opts ...tasklet.Option) (string, error) {
	if !s.Started() {
		return "", auraerr.ErrSchedulerStopped
	}
	reg := s.Registry()
	if _, ok := reg.Plan(plan); !ok {
		return "", auraerr.NewValidation("plan", "unknown plan %q", plan)
	}
	def, err := s.tasks.GetTaskData(plan, taskName)
	if err != nil {
		return "", err
	}
	// Input faults are caught here so a bad request is never enqueued.
	if _, err := def.BindInputs(inputs); err != nil {
		return "", err
	}

	base := []tasklet.Option{tasklet.WithResources(def.Meta.Resources...)}
	if def.Meta.Timeout > 0 {
		base = append(base, tasklet.WithTimeout(time.Duration(def.Meta.Timeout*float64(time.Second))))
	}
	tl := tasklet.New(plan, taskName, inputs, append(base, opts...)...)
	tl.RunID = orchestrator.MintRunID(plan, taskName)

	s.runMu.Lock()
	s.queued[tl.RunID] = tl
	s.runMu.Unlock()
	if err := q.Enqueue(tl); err != nil {
		s.forgetQueued(tl.RunID)
		return "", err
	}
	return tl.RunID, nil
}

// Cancel sets a run's cancellation signal. Still-queued runs are dropped
// immediately with task.cancelled; running ones unwind through the manager.
// Cancelling an unknown or already-finished run is a no-op.
func (s *Scheduler) Cancel(runID string) {
	s.runMu.Lock()
	queuedTL := s.queued[runID]
	runningTL := s.running[runID]
	s.runMu.Unlock()

	switch {
	case queuedTL != nil:
		queuedTL.Cancel()
		for _, q := range []*Queue{s.main, s.event, s.interrupt} {
			if _, ok := q.Remove(runID); ok {
				s.forgetQueued(runID)
				queuedTL.SetStatus(tasklet.StatusCancelled)
				s.publishCancelled(queuedTL)
				return
			}
		}
		// A consumer already picked it up; the dequeue race check or the
		// manager observes the signal.
	case runningTL != nil:
		runningTL.Cancel()
	}
}

// SetPriority reorders a still-queued run. Once running it is a no-op.
func (s *Scheduler) SetPriority(runID string, priority int) bool {
	s.runMu.Lock()
	tl := s.queued[runID]
	s.runMu.Unlock()
	if tl == nil {
		return false
	}
	for _, q := range []*Queue{s.main, s.event, s.interrupt} {
		if q.Reorder(runID, priority) {
			return true
		}
	}
	return false
}

// Running snapshots the running-tasks table.
func (s *Scheduler) Running() []*tasklet.Tasklet {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	out := make([]*tasklet.Tasklet, 0, len(s.running))
	for _, tl := range s.running {
		out = append(out, tl)
	}
	return out
}

// Queues returns the three queues for inspection surfaces.
func (s *Scheduler) Queues() []*Queue {
	return []*Queue{s.main, s.event, s.interrupt}
}

func (s *Scheduler) publishCancelled(tl *tasklet.Tasklet) {
	s.publish("task.cancelled", map[string]any{
		"run_id": tl.RunID,
		"plan":   tl.Plan,
		"task":   tl.Task,
	})
}

func (s *Scheduler) publish(name string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), bus.NewEvent(name, payload)); err != nil {
		s.logger.Warn("event publish interrupted", "event", name, "error", err)
	}
}
