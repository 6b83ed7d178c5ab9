package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/nightofknife/aura/internal/orchestrator"
	"github.com/nightofknife/aura/internal/tasklet"
	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// RulesFileName is the per-plan interrupt rules file.
const RulesFileName = "interrupts.yaml"

// Interrupt scopes.
const (
	ScopeCurrentTask = "current_task"
	ScopeAllTasks    = "all_tasks"
)

// InterruptRule cancels scoped running tasklets and runs a handler task when
// its condition evaluates truthy.
type InterruptRule struct {
	Name      string                    `yaml:"name"`
	Condition orchestrator.ConditionDef `yaml:"condition"`
	Handler   string                    `yaml:"handler"`
	Scope     string                    `yaml:"scope"`
}

type rulesFile struct {
	Interrupts []*InterruptRule `yaml:"interrupts"`
}

// ruleState tracks a rule's in-flight handler so a still-true condition does
// not refire while the handler is queued or running. The poller and the
// reload supervisor both touch activeRunID.
type ruleState struct {
	rule *InterruptRule
	plan string

	mu          sync.Mutex
	activeRunID string
}

func (rs *ruleState) active() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.activeRunID
}

func (rs *ruleState) setActive(runID string) {
	rs.mu.Lock()
	rs.activeRunID = runID
	rs.mu.Unlock()
}

// loadRules reads every plan's interrupt rules. Like loadSchedules, the rule
// table is only swapped once the whole read succeeds; rules surviving a hot
// reload keep their in-flight handler run so a still-true condition does not
// refire across the swap.
func (s *Scheduler) loadRules() error {
	var rules []*ruleState
	reg := s.Registry()
	for _, plan := range reg.PlanNames() {
		def, ok := reg.Plan(plan)
		if !ok {
			continue
		}
		path := filepath.Join(def.Path, RulesFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading interrupt rules %s: %w", path, err)
		}
		var f rulesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing interrupt rules %s: %w", path, err)
		}
		for _, r := range f.Interrupts {
			if r.Name == "" || r.Handler == "" || r.Condition.Action == "" {
				return auraerr.NewValidation("interrupts",
					"rule in %s needs name, handler, and condition.action", path)
			}
			switch r.Scope {
			case "":
				r.Scope = ScopeCurrentTask
			case ScopeCurrentTask, ScopeAllTasks:
			default:
				return auraerr.NewValidation("interrupts",
					"rule %q has unknown scope %q", r.Name, r.Scope)
			}
			rules = append(rules, &ruleState{rule: r, plan: plan})
		}
	}

	s.schedMu.Lock()
	prior := map[string]string{}
	for _, rs := range s.rules {
		prior[rs.plan+"/"+rs.rule.Name] = rs.active()
	}
	for _, rs := range rules {
		rs.setActive(prior[rs.plan+"/"+rs.rule.Name])
	}
	s.rules = rules
	s.schedMu.Unlock()
	return nil
}

// pollInterrupts evaluates every rule on a rate-limited sweep until the
// scheduler stops. The poller runs even when no rules loaded at startup; a
// hot reload can introduce them later.
func (s *Scheduler) pollInterrupts() {
	defer s.wg.Done()
	limiter := rate.NewLimiter(s.cfg.InterruptRate, 1)
	for {
		if err := limiter.Wait(s.loopCtx); err != nil {
			return
		}
		s.sweepRules()
	}
}

func (s *Scheduler) sweepRules() {
	reg := s.Registry()
	s.schedMu.RLock()
	rules := s.rules
	s.schedMu.RUnlock()
	for _, rs := range rules {
		if id := rs.active(); id != "" {
			if s.isLive(id) {
				continue
			}
			rs.setActive("")
		}
		def, ok := reg.Plan(rs.plan)
		if !ok {
			continue
		}
		orch, err := orchestrator.New(rs.plan, def.Path, reg, s.tasks, nil, nil, s.logger)
		if err != nil {
			continue
		}
		truthy, err := orch.PerformConditionCheck(s.loopCtx, rs.rule.Condition)
		if err != nil {
			s.logger.Debug("interrupt condition check failed",
				"rule", rs.rule.Name, "error", err)
			continue
		}
		if truthy {
			s.fireInterrupt(rs)
		}
	}
}

// fireInterrupt cancels the scoped running tasklets and enqueues the handler
// on the interrupt queue.
func (s *Scheduler) fireInterrupt(rs *ruleState) {
	s.logger.Info("interrupt rule fired",
		"rule", rs.rule.Name, "plan", rs.plan, "scope", rs.rule.Scope)

	s.runMu.Lock()
	var targets []*tasklet.Tasklet
	for _, tl := range s.running {
		if rs.rule.Scope == ScopeAllTasks || tl.Queue == QueueMain {
			targets = append(targets, tl)
		}
	}
	s.runMu.Unlock()
	for _, tl := range targets {
		tl.Cancel()
	}

	runID, err := s.enqueueTask(s.interrupt, rs.plan, rs.rule.Handler, nil,
		tasklet.WithPriority(-1))
	if err != nil {
		s.logger.Error("interrupt handler rejected",
			"rule", rs.rule.Name, "handler", rs.rule.Handler, "error", err)
		return
	}
	rs.setActive(runID)
	s.publish("interrupt.triggered", map[string]any{
		"rule":           rs.rule.Name,
		"plan":           rs.plan,
		"handler_run_id": runID,
		"cancelled":      len(targets),
	})
}

// isLive reports whether a run id is still queued or running.
func (s *Scheduler) isLive(runID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, q := s.queued[runID]
	_, r := s.running[runID]
	return q || r
}
