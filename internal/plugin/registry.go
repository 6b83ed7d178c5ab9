package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Hook points fired around task execution.
const (
	HookBeforeTaskRun    = "before_task_run"
	HookAfterTaskSuccess = "after_task_success"
	HookAfterTaskFailure = "after_task_failure"
	HookAfterTaskRun     = "after_task_run"
)

// ActionEntry is a registered action.
type ActionEntry struct {
	FQID     string // <plan>.<name>
	Plan     string
	Name     string
	Fn       ActionFunc
	Requires map[string]string // alias -> service name
	ReadOnly bool
	Public   bool
	CPUBound bool
}

// ServiceStatus tracks a service's lifecycle.
type ServiceStatus string

const (
	ServiceDefined   ServiceStatus = "defined"
	ServiceResolving ServiceStatus = "resolving"
	ServiceResolved  ServiceStatus = "resolved"
	ServiceFailed    ServiceStatus = "failed"
)

// ServiceEntry is a registered service with its lazily constructed singleton.
type ServiceEntry struct {
	Alias      string
	FQID       string // <provider plugin name>/<alias>
	Ctor       ServiceCtor
	Requires   map[string]string
	Status     ServiceStatus
	instance   any
	extensions []ExtensionFunc
}

// Registry holds every action, service, hook, and plugin definition of one
// load generation. A full reload builds a fresh Registry; in-flight tasklets
// keep the pointer they captured at admission.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]*ActionEntry
	services map[string]*ServiceEntry
	hooks    map[string][]HookFunc
	plugins  map[string]*Definition // canonical id -> definition
	plans    map[string]*Definition // plan name -> definition
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actions:  map[string]*ActionEntry{},
		services: map[string]*ServiceEntry{},
		hooks:    map[string][]HookFunc{},
		plugins:  map[string]*Definition{},
		plans:    map[string]*Definition{},
		logger:   logger,
	}
}

// AddPlugin records a loaded plugin definition. Duplicate canonical ids are
// a fatal startup error.
func (r *Registry) AddPlugin(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[def.ID]; exists {
		return &auraerr.FatalStartupError{Reason: fmt.Sprintf("duplicate plugin id %q", def.ID)}
	}
	r.plugins[def.ID] = def
	if def.Type == TypePlan {
		if prior, exists := r.plans[def.Name]; exists {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plan name %q provided by both %s and %s", def.Name, prior.ID, def.ID)}
		}
		r.plans[def.Name] = def
	}
	return nil
}

// Plugin returns the definition for a canonical id.
func (r *Registry) Plugin(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.plugins[id]
	return def, ok
}

// Plan returns the definition of a plan plugin by plan name.
func (r *Registry) Plan(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.plans[name]
	return def, ok
}

// PlanNames lists the loaded plans in sorted order.
func (r *Registry) PlanNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plans))
	for name := range r.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAction adds an action entry. Unknown required services fail at
// registration time, not at invocation.
func (r *Registry) RegisterAction(entry *ActionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[entry.FQID]; exists {
		return &auraerr.FatalStartupError{Reason: fmt.Sprintf("duplicate action %q", entry.FQID)}
	}
	for alias, svc := range entry.Requires {
		if _, ok := r.services[svc]; !ok {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"action %q requires unknown service %q (alias %q)", entry.FQID, svc, alias)}
		}
	}
	r.actions[entry.FQID] = entry
	return nil
}

// Action resolves an action by FQID.
func (r *Registry) Action(fqid string) (*ActionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.actions[fqid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", auraerr.ErrUnknownAction, fqid)
	}
	return entry, nil
}

// Actions lists registered actions in FQID order.
func (r *Registry) Actions() []*ActionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ActionEntry, 0, len(r.actions))
	for _, e := range r.actions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQID < out[j].FQID })
	return out
}

// RegisterService adds a service entry under its alias.
func (r *Registry) RegisterService(entry *ServiceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[entry.Alias]; exists {
		return &auraerr.FatalStartupError{Reason: fmt.Sprintf("duplicate service alias %q", entry.Alias)}
	}
	entry.Status = ServiceDefined
	r.services[entry.Alias] = entry
	return nil
}

// OverrideService replaces a prior registration identified by FQID with the
// new entry, keeping the alias.
func (r *Registry) OverrideService(fqid string, entry *ServiceEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for alias, prior := range r.services {
		if prior.FQID == fqid {
			entry.Alias = alias
			entry.Status = ServiceDefined
			r.services[alias] = entry
			r.logger.Info("service overridden", "fqid", fqid, "by", entry.FQID)
			return nil
		}
	}
	return &auraerr.FatalStartupError{Reason: fmt.Sprintf("override target %q not registered", fqid)}
}

// ExtendService queues an extension to run against the service instance once
// it is constructed.
func (r *Registry) ExtendService(alias string, ext ExtensionFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[alias]
	if !ok {
		return &auraerr.FatalStartupError{Reason: fmt.Sprintf("extension target service %q not registered", alias)}
	}
	entry.extensions = append(entry.extensions, ext)
	return nil
}

// Services lists registered service entries in alias order.
func (r *Registry) Services() []*ServiceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceEntry, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// ResolveService returns the singleton for alias, constructing it (and its
// dependencies) on first use. Dependency cycles are fatal.
func (r *Registry) ResolveService(alias string) (any, error) {
	return r.resolveService(alias, nil)
}

func (r *Registry) resolveService(alias string, chain []string) (any, error) {
	r.mu.Lock()
	entry, ok := r.services[alias]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", auraerr.ErrUnknownService, alias)
	}
	switch entry.Status {
	case ServiceResolved:
		r.mu.Unlock()
		return entry.instance, nil
	case ServiceResolving:
		r.mu.Unlock()
		return nil, &auraerr.FatalStartupError{
			Reason: "service dependency cycle",
			Cycle:  append(chain, alias),
		}
	case ServiceFailed:
		r.mu.Unlock()
		return nil, fmt.Errorf("service %q previously failed to construct", alias)
	}
	entry.Status = ServiceResolving
	r.mu.Unlock()

	deps := map[string]any{}
	for depAlias, depService := range entry.Requires {
		dep, err := r.resolveService(depService, append(chain, alias))
		if err != nil {
			r.setServiceStatus(alias, ServiceFailed)
			return nil, err
		}
		deps[depAlias] = dep
	}

	instance, err := entry.Ctor(deps)
	if err != nil {
		r.setServiceStatus(alias, ServiceFailed)
		return nil, fmt.Errorf("constructing service %q: %w", alias, err)
	}
	for _, ext := range entry.extensions {
		if err := ext(instance); err != nil {
			r.setServiceStatus(alias, ServiceFailed)
			return nil, fmt.Errorf("extending service %q: %w", alias, err)
		}
	}

	r.mu.Lock()
	entry.instance = instance
	entry.Status = ServiceResolved
	r.mu.Unlock()
	return instance, nil
}

func (r *Registry) setServiceStatus(alias string, status ServiceStatus) {
	r.mu.Lock()
	if entry, ok := r.services[alias]; ok {
		entry.Status = status
	}
	r.mu.Unlock()
}

// RegisterHook appends a callable to a hook point.
func (r *Registry) RegisterHook(point string, fn HookFunc) {
	r.mu.Lock()
	r.hooks[point] = append(r.hooks[point], fn)
	r.mu.Unlock()
}

// FireHooks runs every callable registered at the point, in registration
// order. Hook errors are logged and do not interrupt the run.
func (r *Registry) FireHooks(ctx context.Context, point string, payload map[string]any) {
	r.mu.RLock()
	fns := append([]HookFunc(nil), r.hooks[point]...)
	r.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, payload); err != nil {
			r.logger.Error("hook failed", "point", point, "error", err)
		}
	}
}
