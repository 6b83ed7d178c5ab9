package plugin

import (
	"context"
	"log/slog"
	"sync"
)

// Call carries everything an action invocation receives: rendered params,
// resolved services keyed by the action's declared aliases, a logger, and a
// heartbeat hook long-running actions may call to emit node.heartbeat.
type Call struct {
	Params    map[string]any
	Services  map[string]any
	Logger    *slog.Logger
	Heartbeat func()
}

// ActionFunc is the callable target of a registered action. It may return a
// *Control value as its output to steer the engine.
type ActionFunc func(ctx context.Context, call *Call) (any, error)

// ServiceCtor constructs a service singleton. deps holds the service's own
// resolved dependencies keyed by alias.
type ServiceCtor func(deps map[string]any) (any, error)

// HookFunc runs at a hook point with a lifecycle payload.
type HookFunc func(ctx context.Context, payload map[string]any) error

// ExtensionFunc attaches plugin-provided behavior to an already constructed
// service instance.
type ExtensionFunc func(instance any) error

// ControlKind steers the engine after a step completes. This replaces
// exception-based control flow with an explicit tagged value.
type ControlKind int

const (
	// ControlContinue proceeds to the next step (the default).
	ControlContinue ControlKind = iota
	// ControlSkipRest skips all remaining steps and finishes the task.
	ControlSkipRest
	// ControlStopTask terminates the task with the given status.
	ControlStopTask
)

// Control is the tagged step-control value an action may return.
type Control struct {
	Kind   ControlKind
	Status string // terminal status for ControlStopTask
	Output any    // recorded as the step output
}

// The symbol table maps entry-point names to compiled-in callables. Plugin
// packages register their targets at init time; the loader resolves
// descriptor entry points against this table. This is the Go counterpart of
// resolving a target from the plugin's filesystem location.
var (
	symMu      sync.RWMutex
	actionSyms = map[string]ActionFunc{}
	svcSyms    = map[string]ServiceCtor{}
	hookSyms   = map[string]HookFunc{}
	extSyms    = map[string]ExtensionFunc{}
)

// RegisterActionSymbol publishes an action target under an entry-point name.
func RegisterActionSymbol(name string, fn ActionFunc) {
	symMu.Lock()
	defer symMu.Unlock()
	actionSyms[name] = fn
}

// RegisterServiceSymbol publishes a service constructor.
func RegisterServiceSymbol(name string, ctor ServiceCtor) {
	symMu.Lock()
	defer symMu.Unlock()
	svcSyms[name] = ctor
}

// RegisterHookSymbol publishes a hook callable.
func RegisterHookSymbol(name string, fn HookFunc) {
	symMu.Lock()
	defer symMu.Unlock()
	hookSyms[name] = fn
}

// RegisterExtensionSymbol publishes a service extension callable.
func RegisterExtensionSymbol(name string, fn ExtensionFunc) {
	symMu.Lock()
	defer symMu.Unlock()
	extSyms[name] = fn
}

func lookupAction(name string) (ActionFunc, bool) {
	symMu.RLock()
	defer symMu.RUnlock()
	fn, ok := actionSyms[name]
	return fn, ok
}

func lookupService(name string) (ServiceCtor, bool) {
	symMu.RLock()
	defer symMu.RUnlock()
	ctor, ok := svcSyms[name]
	return ctor, ok
}

func lookupHook(name string) (HookFunc, bool) {
	symMu.RLock()
	defer symMu.RUnlock()
	fn, ok := hookSyms[name]
	return fn, ok
}

func lookupExtension(name string) (ExtensionFunc, bool) {
	symMu.RLock()
	defer symMu.RUnlock()
	fn, ok := extSyms[name]
	return fn, ok
}
