package scheduler

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// startReloadWatcher launches the hot-reload supervisor. Watch failures are
// logged, not fatal: the system still works without live reload.
func (s *Scheduler) startReloadWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("hot reload disabled", "error", err)
		return
	}
	for _, root := range []string{s.plugins.PlansRoot, s.plugins.PackagesRoot} {
		addTree(watcher, root)
	}
	s.wg.Add(1)
	go s.superviseReload(watcher)
}

// addTree watches a directory tree recursively; fsnotify itself is not.
func addTree(watcher *fsnotify.Watcher, root string) {
	if root == "" {
		return
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}

// superviseReload debounces change bursts and applies them in one pass.
func (s *Scheduler) superviseReload(watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	defer watcher.Close()

	pending := map[string]struct{}{}
	debounce := time.NewTimer(s.cfg.ReloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-s.loopCtx.Done():
			debounce.Stop()
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("reload watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addTree(watcher, ev.Name)
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			debounce.Reset(s.cfg.ReloadDebounce)
		case <-debounce.C:
			if len(pending) == 0 {
				continue
			}
			paths := pending
			pending = map[string]struct{}{}
			s.applyReload(paths)
		}
	}
}

// applyReload invalidates changed task definitions in place; any other
// change inside the plugin tree triggers a full registry rebuild.
func (s *Scheduler) applyReload(paths map[string]struct{}) {
	full := false
	for path := range paths {
		if plan, taskName, ok := s.tasks.ResolveTaskFile(path); ok {
			s.tasks.Invalidate(plan, taskName)
			s.publish("task.reloaded", map[string]any{
				"plan": plan,
				"task": taskName,
				"path": path,
			})
			continue
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			continue
		}
		full = true
	}
	if full {
		s.reloadPlugins()
	}
}

// reloadPlugins rebuilds the registry from disk and swaps it in, then
// refreshes the schedule entries, interrupt rules, and the cron runner
// against the new plan set. In-flight tasklets keep their admission
// snapshot; a failed rebuild keeps the prior registry serving.
func (s *Scheduler) reloadPlugins() {
	reg, err := s.plugins.Load()
	if err != nil {
		s.logger.Error("hot reload failed, keeping prior registry", "error", err)
		return
	}
	s.swapRegistry(reg)
	s.tasks.InvalidateAll()

	if err := s.loadSchedules(); err != nil {
		s.logger.Error("schedule reload failed, keeping prior entries", "error", err)
	}
	if err := s.loadRules(); err != nil {
		s.logger.Error("interrupt rule reload failed, keeping prior rules", "error", err)
	}
	s.stopCron()
	if s.Started() {
		s.startCron()
	}

	s.publish("plugin.reloaded", map[string]any{"plans": reg.PlanNames()})
	s.logger.Info("plugin registry reloaded", "plans", len(reg.PlanNames()))
}
