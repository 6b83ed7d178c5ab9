package state

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// TaskRunner executes transition and check tasks on behalf of the planner.
// The execution manager supplies an implementation bound to the tasklet's
// registry snapshot.
type TaskRunner interface {
	// RunTask executes a transition task to completion.
	RunTask(ctx context.Context, taskID string) error
	// RunCheck executes a state check task and reports whether it was truthy.
	RunCheck(ctx context.Context, taskID string) (bool, error)
}

// Options bound the planner's retry behavior.
type Options struct {
	VerifyRetries int
	MaxReplans    int
	Backoff       time.Duration
}

// DefaultOptions mirrors the documented defaults.
func DefaultOptions() Options {
	return Options{VerifyRetries: 3, MaxReplans: 5, Backoff: 500 * time.Millisecond}
}

// Planner plans and drives state transitions for one plan's state map.
type Planner struct {
	m      *Map
	runner TaskRunner
	opts   Options
	logger *slog.Logger
}

// NewPlanner creates a planner over a state map.
func NewPlanner(m *Map, runner TaskRunner, opts Options, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.VerifyRetries <= 0 {
		opts.VerifyRetries = 3
	}
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = 5
	}
	return &Planner{m: m, runner: runner, opts: opts, logger: logger}
}

// checkCandidate pairs a state check with its hop distance to the target.
type checkCandidate struct {
	state    *State
	distance int
}

// DetermineCurrentState probes the state checks and returns the detected
// state plus its hop distance to target, or Unknown when nothing matched.
// Checks run closest-to-target first; checks marked can_async race in
// parallel before the rest run sequentially.
func (p *Planner) DetermineCurrentState(ctx context.Context, target string) (string, int, error) {
	dist := p.m.distancesTo(target)

	var checks []checkCandidate
	for _, s := range p.m.States {
		if s.CheckTask == "" {
			continue
		}
		d, reachable := dist[s.Name]
		if !reachable {
			d = int(^uint(0) >> 1) // unreachable states probe last
		}
		checks = append(checks, checkCandidate{state: s, distance: d})
	}
	sort.Slice(checks, func(i, j int) bool {
		if checks[i].distance != checks[j].distance {
			return checks[i].distance < checks[j].distance
		}
		if checks[i].state.Priority != checks[j].state.Priority {
			return checks[i].state.Priority < checks[j].state.Priority
		}
		return checks[i].state.Name < checks[j].state.Name
	})

	var async, sequential []checkCandidate
	for _, c := range checks {
		if c.state.CanAsync {
			async = append(async, c)
		} else {
			sequential = append(sequential, c)
		}
	}

	// Parallel phase: first truthy check wins and cancels the rest.
	if len(async) > 0 {
		winner := make(chan checkCandidate, len(async))
		g, gctx := errgroup.WithContext(ctx)
		raceCtx, cancel := context.WithCancel(gctx)
		for _, c := range async {
			c := c
			g.Go(func() error {
				ok, err := p.runner.RunCheck(raceCtx, c.state.CheckTask)
				if err != nil {
					p.logger.Warn("state check failed", "state", c.state.Name, "error", err)
					return nil
				}
				if ok {
					winner <- c
					cancel()
				}
				return nil
			})
		}
		_ = g.Wait()
		cancel()
		close(winner)
		if best, ok := bestCandidate(winner); ok {
			return best.state.Name, best.distance, nil
		}
		if ctx.Err() != nil {
			return Unknown, 0, ctx.Err()
		}
	}

	// Sequential phase in sorted order.
	for _, c := range sequential {
		if ctx.Err() != nil {
			return Unknown, 0, ctx.Err()
		}
		ok, err := p.runner.RunCheck(ctx, c.state.CheckTask)
		if err != nil {
			p.logger.Warn("state check failed", "state", c.state.Name, "error", err)
			continue
		}
		if ok {
			return c.state.Name, c.distance, nil
		}
	}
	return Unknown, 0, nil
}

// bestCandidate picks the closest winning async check; several may report
// truthy before the cancellation lands.
func bestCandidate(ch chan checkCandidate) (checkCandidate, bool) {
	var best checkCandidate
	found := false
	for c := range ch {
		if !found || c.distance < best.distance ||
			(c.distance == best.distance && c.state.Name < best.state.Name) {
			best = c
			found = true
		}
	}
	return best, found
}

// Plan runs Dijkstra over the forward graph and returns the ordered
// transitions from current to target. Ties break by shorter path, then by
// lexical transition id order.
func (p *Planner) Plan(current, target string) ([]Transition, error) {
	if current == target {
		return nil, nil
	}
	if _, ok := p.m.States[current]; !ok {
		return nil, &auraerr.PlanningError{Target: target, Reason: "unknown current state " + current}
	}
	if _, ok := p.m.States[target]; !ok {
		return nil, &auraerr.PlanningError{Target: target, Reason: "unknown target state"}
	}

	settled := map[string]pathItem{}
	pq := &pathQueue{pathItem{state: current}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pathItem)
		if prior, done := settled[item.state]; done && !item.better(prior) {
			continue
		}
		settled[item.state] = item
		if item.state == target {
			continue
		}
		for _, edge := range p.m.forward[item.state] {
			next := pathItem{
				state: edge.To,
				cost:  item.cost + edge.Cost,
				hops:  item.hops + 1,
				path:  append(append([]Transition{}, item.path...), edge),
			}
			if prior, done := settled[edge.To]; done && !next.better(prior) {
				continue
			}
			heap.Push(pq, next)
		}
	}

	result, ok := settled[target]
	if !ok {
		return nil, &auraerr.PlanningError{
			Target: target,
			Reason: "no transition path from " + current,
		}
	}
	return result.path, nil
}

// pathItem is a partial route in the Dijkstra frontier.
type pathItem struct {
	state string
	cost  int
	hops  int
	path  []Transition
}

// better orders routes by total cost, then hop count, then lexical
// transition ids, matching the documented tie-breaking.
func (i pathItem) better(other pathItem) bool {
	if i.cost != other.cost {
		return i.cost < other.cost
	}
	if i.hops != other.hops {
		return i.hops < other.hops
	}
	return pathKey(i.path) < pathKey(other.path)
}

type pathQueue []pathItem

func (q pathQueue) Len() int            { return len(q) }
func (q pathQueue) Less(i, j int) bool  { return q[i].better(q[j]) }
func (q pathQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pathQueue) Push(x any)         { *q = append(*q, x.(pathItem)) }
func (q *pathQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func pathKey(path []Transition) string {
	ids := make([]string, len(path))
	for i, t := range path {
		ids[i] = t.Task
	}
	return strings.Join(ids, "\x00")
}

// ExecutePlan runs each transition task and verifies the destination state
// with bounded retry. On exhausted verification it re-detects and replans
// from scratch, up to MaxReplans.
func (p *Planner) ExecutePlan(ctx context.Context, target string, path []Transition) error {
	replans := 0
	for {
		err := p.executeOnce(ctx, path)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return auraerr.ErrCancelled
		}
		replans++
		if replans > p.opts.MaxReplans {
			return &auraerr.PlanningError{
				Target:  target,
				Replans: replans - 1,
				Reason:  err.Error(),
			}
		}
		p.logger.Warn("state drift detected, replanning",
			"target", target, "replan", replans, "cause", err)

		current, _, derr := p.DetermineCurrentState(ctx, target)
		if derr != nil {
			return derr
		}
		if current == Unknown {
			return &auraerr.PlanningError{Target: target, Replans: replans, Reason: "current state unknown"}
		}
		if current == target {
			return nil
		}
		if path, err = p.Plan(current, target); err != nil {
			return err
		}
	}
}

func (p *Planner) executeOnce(ctx context.Context, path []Transition) error {
	for _, tr := range path {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.runner.RunTask(ctx, tr.Task); err != nil {
			return &auraerr.ActionError{Action: tr.Task, Step: tr.From + "->" + tr.To, Err: err}
		}
		if err := p.verifyState(ctx, tr.To); err != nil {
			return err
		}
	}
	return nil
}

// verifyState confirms the system landed in the expected state, retrying
// with backoff. States without a check task verify trivially.
func (p *Planner) verifyState(ctx context.Context, expected string) error {
	s := p.m.States[expected]
	if s == nil || s.CheckTask == "" {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < p.opts.VerifyRetries; attempt++ {
		if attempt > 0 && p.opts.Backoff > 0 {
			timer := time.NewTimer(p.opts.Backoff << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		ok, err := p.runner.RunCheck(ctx, s.CheckTask)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = nil
	}
	if lastErr != nil {
		return &auraerr.ActionError{Action: s.CheckTask, Step: "verify " + expected, Err: lastErr}
	}
	return &auraerr.PlanningError{Target: expected, Reason: "verification failed for state " + expected}
}
