package task

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// tasksDir is the subdirectory of a plan root that holds task files.
const tasksDir = "tasks"

// Loader reads task definitions from plan directories and caches parsed
// results keyed by modification time. The hot-reload supervisor invalidates
// entries when files change on disk.
type Loader struct {
	mu        sync.RWMutex
	planRoots map[string]string
	cache     map[string]cacheEntry
	logger    *slog.Logger
}

type cacheEntry struct {
	def   *Definition
	mtime int64
}

// NewLoader creates a task loader over the given plan roots
// (plan name -> plan directory).
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		planRoots: map[string]string{},
		cache:     map[string]cacheEntry{},
		logger:    logger,
	}
}

// SetPlanRoot registers (or updates) the directory of a plan.
func (l *Loader) SetPlanRoot(plan, root string) {
	l.mu.Lock()
	l.planRoots[plan] = root
	l.mu.Unlock()
}

// PlanRoot returns the registered directory for a plan.
func (l *Loader) PlanRoot(plan string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	root, ok := l.planRoots[plan]
	return root, ok
}

// GetTaskData returns the parsed definition for (plan, task), reading from
// cache when the file is unchanged.
func (l *Loader) GetTaskData(plan, taskName string) (*Definition, error) {
	l.mu.RLock()
	root, ok := l.planRoots[plan]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", auraerr.ErrUnknownPlan, plan)
	}

	path := filepath.Join(root, tasksDir, taskName+".yaml")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", auraerr.ErrUnknownTask, plan, taskName)
	}
	mtime := info.ModTime().UnixNano()
	key := cacheKey(plan, taskName)

	l.mu.RLock()
	entry, hit := l.cache[key]
	l.mu.RUnlock()
	if hit && entry.mtime == mtime {
		return entry.def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, auraerr.NewValidation(taskName, "parsing task file: %v", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[key] = cacheEntry{def: &def, mtime: mtime}
	l.mu.Unlock()

	l.logger.Debug("task definition loaded", "plan", plan, "task", taskName)
	return &def, nil
}

// ListTasks returns the task names available in a plan, sorted by the
// filesystem's directory order.
func (l *Loader) ListTasks(plan string) ([]string, error) {
	l.mu.RLock()
	root, ok := l.planRoots[plan]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", auraerr.ErrUnknownPlan, plan)
	}

	entries, err := os.ReadDir(filepath.Join(root, tasksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// Invalidate drops the cache entry for one task.
func (l *Loader) Invalidate(plan, taskName string) {
	l.mu.Lock()
	delete(l.cache, cacheKey(plan, taskName))
	l.mu.Unlock()
}

// InvalidateAll clears the whole cache. Called on full plugin reload.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	l.cache = map[string]cacheEntry{}
	l.mu.Unlock()
}

// ResolveTaskFile maps an absolute file path back to (plan, task) if the
// path is a task file of a registered plan. Used by the hot-reload
// supervisor to translate filesystem events into cache invalidations.
func (l *Loader) ResolveTaskFile(path string) (plan, taskName string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for p, root := range l.planRoots {
		dir := filepath.Join(root, tasksDir) + string(filepath.Separator)
		if strings.HasPrefix(path, dir) && strings.HasSuffix(path, ".yaml") {
			rel := strings.TrimPrefix(path, dir)
			if !strings.Contains(rel, string(filepath.Separator)) {
				return p, strings.TrimSuffix(rel, ".yaml"), true
			}
		}
	}
	return "", "", false
}

func cacheKey(plan, taskName string) string {
	return plan + "/" + taskName
}
