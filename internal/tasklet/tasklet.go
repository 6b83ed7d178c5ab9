// Package tasklet defines the runtime envelope for one task execution.
package tasklet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tasklet.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusAdmitted       Status = "ADMITTED"
	StatusPlanning       Status = "PLANNING"
	StatusRunning        Status = "RUNNING"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusTimeout        Status = "TIMEOUT"
	StatusPlanningFailed Status = "PLANNING_FAILED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimeout, StatusPlanningFailed:
		return true
	}
	return false
}

// Tasklet is one in-flight unit of work. Mutable fields are guarded; the
// identity fields are immutable after construction.
type Tasklet struct {
	ID        string
	RunID     string // public run handle, minted by the scheduler
	Plan      string
	Task      string
	Inputs    map[string]any
	Timeout   time.Duration // zero means unbounded
	Resources []string      // sorted resource tags
	Queue     string

	mu          sync.Mutex
	priority    int
	status      Status
	admitted    bool
	enqueueTime time.Time
	startTime   time.Time
	endTime     time.Time

	cancelCtx context.Context
	cancelFn  context.CancelFunc
}

// Option customizes a new tasklet.
type Option func(*Tasklet)

// WithPriority sets the queue priority (lower is more urgent).
func WithPriority(p int) Option {
	return func(t *Tasklet) { t.priority = p }
}

// WithTimeout bounds the execution time; zero leaves it unbounded.
func WithTimeout(d time.Duration) Option {
	return func(t *Tasklet) { t.Timeout = d }
}

// WithResources sets the resource tags whose semaphores must be held.
func WithResources(tags ...string) Option {
	return func(t *Tasklet) {
		t.Resources = append([]string(nil), tags...)
		sort.Strings(t.Resources)
	}
}

// New creates a tasklet for one (plan, task) execution.
func New(plan, taskName string, inputs map[string]any, opts ...Option) *Tasklet {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tasklet{
		ID:          uuid.NewString(),
		Plan:        plan,
		Task:        taskName,
		Inputs:      inputs,
		status:      StatusQueued,
		enqueueTime: time.Now(),
		cancelCtx:   ctx,
		cancelFn:    cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Status returns the current lifecycle status.
func (t *Tasklet) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the lifecycle status, stamping start and end times.
// Once terminal, the status never changes again.
func (t *Tasklet) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = s
	switch {
	case s == StatusAdmitted:
		t.admitted = true
	case s == StatusRunning && t.startTime.IsZero():
		t.startTime = time.Now()
	case s.Terminal():
		t.endTime = time.Now()
	}
}

// WasAdmitted reports whether the tasklet ever cleared admission. Cancelled
// tasklets that never admitted get task.cancelled instead of task.finished.
func (t *Tasklet) WasAdmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitted
}

// Priority returns the current queue priority.
func (t *Tasklet) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority updates the queue priority.
func (t *Tasklet) SetPriority(p int) {
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

// Times returns the enqueue, start, and end timestamps.
func (t *Tasklet) Times() (enqueue, start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueueTime, t.startTime, t.endTime
}

// Cancel sets the cancellation signal. Cancelling any number of times has
// the same observable effect as cancelling once.
func (t *Tasklet) Cancel() {
	t.cancelFn()
}

// CancelCtx is the context that observes the cancellation signal.
func (t *Tasklet) CancelCtx() context.Context {
	return t.cancelCtx
}

// Cancelled reports whether the cancellation signal is set.
func (t *Tasklet) Cancelled() bool {
	return t.cancelCtx.Err() != nil
}
