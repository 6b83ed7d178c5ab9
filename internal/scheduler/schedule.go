package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cronv3 "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// ScheduleFileName is the per-plan schedule file.
const ScheduleFileName = "schedule.yaml"

type cronRunner = *cronv3.Cron

// ScheduleEntry is one predefined run: a task with baked-in inputs, fired
// manually by id or automatically on a cron spec.
type ScheduleEntry struct {
	ID     string         `yaml:"id"`
	Task   string         `yaml:"task"`
	Cron   string         `yaml:"cron"`
	Inputs map[string]any `yaml:"inputs"`
	Enabled *bool         `yaml:"enabled"`

	Plan string `yaml:"-"`
}

// enabled defaults to true when omitted.
func (e *ScheduleEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Key is the canonical schedule entry id.
func (e *ScheduleEntry) Key() string { return e.Plan + "/" + e.ID }

type scheduleFile struct {
	Entries []*ScheduleEntry `yaml:"entries"`
}

// loadSchedules reads every plan's schedule file. The entry table is only
// swapped once the whole read succeeds, so a bad file during a hot reload
// keeps the prior entries serving.
func (s *Scheduler) loadSchedules() error {
	entries := map[string]*ScheduleEntry{}
	reg := s.Registry()
	for _, plan := range reg.PlanNames() {
		def, ok := reg.Plan(plan)
		if !ok {
			continue
		}
		path := filepath.Join(def.Path, ScheduleFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading schedule %s: %w", path, err)
		}
		var f scheduleFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing schedule %s: %w", path, err)
		}
		for _, e := range f.Entries {
			if e.ID == "" || e.Task == "" {
				return auraerr.NewValidation("schedule", "entry in %s needs id and task", path)
			}
			e.Plan = plan
			if _, dup := entries[e.Key()]; dup {
				return auraerr.NewValidation("schedule", "duplicate entry id %q in plan %q", e.ID, plan)
			}
			entries[e.Key()] = e
		}
	}
	s.schedMu.Lock()
	s.schedules = entries
	s.schedMu.Unlock()
	return nil
}

// startCron registers enabled cron-spec entries and starts the runner.
func (s *Scheduler) startCron() {
	c := cronv3.New()
	s.schedMu.Lock()
	for _, e := range s.schedules {
		if e.Cron == "" || !e.enabled() {
			continue
		}
		e := e
		_, err := c.AddFunc(e.Cron, func() {
			if _, err := s.RunAdHocTask(e.Plan, e.Task, cloneInputs(e.Inputs)); err != nil {
				s.logger.Warn("scheduled run rejected",
					"entry", e.Key(), "error", err)
			}
		})
		if err != nil {
			s.logger.Warn("invalid cron spec, entry skipped",
				"entry", e.Key(), "spec", e.Cron, "error", err)
		}
	}
	s.cron = c
	s.schedMu.Unlock()
	c.Start()
}

func (s *Scheduler) stopCron() {
	s.schedMu.Lock()
	c := s.cron
	s.cron = nil
	s.schedMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunManualTask fires a schedule entry by id, resolving its predefined
// inputs. Accepts the canonical `plan/id` form, or a bare id when unique.
func (s *Scheduler) RunManualTask(entryID string) (string, error) {
	s.schedMu.RLock()
	e, ok := s.schedules[entryID]
	if !ok && !strings.Contains(entryID, "/") {
		for _, cand := range s.schedules {
			if cand.ID != entryID {
				continue
			}
			if e != nil {
				s.schedMu.RUnlock()
				return "", auraerr.NewValidation("schedule",
					"entry id %q is ambiguous, use plan/id", entryID)
			}
			e = cand
		}
		ok = e != nil
	}
	s.schedMu.RUnlock()
	if !ok {
		return "", auraerr.NewValidation("schedule", "unknown schedule entry %q", entryID)
	}
	if !e.enabled() {
		return "", auraerr.NewValidation("schedule", "schedule entry %q is disabled", entryID)
	}
	return s.RunAdHocTask(e.Plan, e.Task, cloneInputs(e.Inputs))
}

// ScheduleEntries lists the loaded entries in canonical id order.
func (s *Scheduler) ScheduleEntries() []*ScheduleEntry {
	s.schedMu.RLock()
	out := make([]*ScheduleEntry, 0, len(s.schedules))
	for _, e := range s.schedules {
		out = append(out, e)
	}
	s.schedMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// cloneInputs keeps schedule-entry inputs immutable across runs.
func cloneInputs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
