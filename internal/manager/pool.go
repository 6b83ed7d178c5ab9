package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Pool bounds concurrent blocking work with a weighted semaphore. Work runs
// on the caller's goroutine; the semaphore only gates entry, so shutdown can
// drain by waiting on in-flight counters.
type Pool struct {
	name string
	sem  *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool admitting up to slots concurrent executions.
func NewPool(name string, slots int64) *Pool {
	if slots < 1 {
		slots = 1
	}
	return &Pool{name: name, sem: semaphore.NewWeighted(slots)}
}

// Run executes fn once a slot is free. It returns the context error when the
// wait is interrupted and ErrSchedulerStopped once the pool is closed.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return auraerr.ErrSchedulerStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Close stops admitting new work and waits up to grace for in-flight work to
// drain. It reports whether the pool drained in time.
func (p *Pool) Close(grace time.Duration, logger *slog.Logger) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		if logger != nil {
			logger.Warn("pool shutdown grace elapsed with work in flight", "pool", p.name)
		}
		return false
	}
}

// poolSet adapts the manager's pools to the engine's dispatch interface.
type poolSet struct {
	io  *Pool
	cpu *Pool
}

func (p poolSet) RunIO(ctx context.Context, fn func(context.Context) error) error {
	return p.io.Run(ctx, fn)
}

func (p poolSet) RunCPU(ctx context.Context, fn func(context.Context) error) error {
	return p.cpu.Run(ctx, fn)
}
