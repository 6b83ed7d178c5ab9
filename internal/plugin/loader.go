package plugin

import (
	"fmt"
	"log/slog"
	"sync"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// builtins are plugin definitions compiled into the binary. They participate
// in loading like discovered plugins but have no on-disk manifest.
var (
	builtinMu   sync.Mutex
	builtinDefs []builtin
)

type builtin struct {
	def  *Definition
	desc *Descriptor
}

// RegisterBuiltin publishes a compiled-in plugin. Called from init functions
// of builtin plugin packages.
func RegisterBuiltin(def *Definition, desc *Descriptor) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinDefs = append(builtinDefs, builtin{def: def, desc: desc})
}

// Loader performs the phased startup: clear, discover, sort, load in order.
type Loader struct {
	PlansRoot    string
	PackagesRoot string
	logger       *slog.Logger
}

// NewLoader creates a plugin loader over the two discovery roots.
func NewLoader(plansRoot, packagesRoot string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{PlansRoot: plansRoot, PackagesRoot: packagesRoot, logger: logger}
}

// Load builds a fresh registry generation from the discovery roots. It never
// mutates a previously returned registry, so in-flight tasks keep a
// consistent snapshot across reloads.
func (l *Loader) Load() (*Registry, error) {
	reg := NewRegistry(l.logger)

	defs, err := l.discoverAll()
	if err != nil {
		return nil, err
	}

	ordered, err := sortByDependencies(defs)
	if err != nil {
		return nil, err
	}

	descByID := map[string]*Descriptor{}
	builtinMu.Lock()
	for _, b := range builtinDefs {
		descByID[b.def.ID] = b.desc
	}
	builtinMu.Unlock()

	for _, def := range ordered {
		desc, ok := descByID[def.ID]
		if !ok {
			if desc, err = ParseDescriptor(def.Path); err != nil {
				return nil, err
			}
		}
		if err := l.loadOne(reg, def, desc); err != nil {
			return nil, err
		}
	}

	l.logger.Info("plugin registry built",
		"plugins", len(ordered),
		"actions", len(reg.Actions()),
		"services", len(reg.Services()),
	)
	return reg, nil
}

func (l *Loader) discoverAll() ([]*Definition, error) {
	var defs []*Definition

	builtinMu.Lock()
	for _, b := range builtinDefs {
		defs = append(defs, b.def)
	}
	builtinMu.Unlock()

	for _, root := range []string{l.PlansRoot, l.PackagesRoot} {
		found, err := discover(root)
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// loadOne registers one plugin's services, overrides, extensions, actions,
// and hooks, in that order.
func (l *Loader) loadOne(reg *Registry, def *Definition, desc *Descriptor) error {
	if err := reg.AddPlugin(def); err != nil {
		return err
	}
	l.logger.Debug("loading plugin", "id", def.ID, "type", def.Type)

	overrideByAlias := map[string]string{} // alias -> target FQID
	for _, fqid := range def.Overrides {
		alias := aliasOfFQID(fqid)
		if alias == "" {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plugin %q declares malformed override %q", def.ID, fqid)}
		}
		overrideByAlias[alias] = fqid
	}

	for _, decl := range desc.Services {
		ctor, ok := lookupService(decl.EntryPoint)
		if !ok {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plugin %q: service entry point %q not registered", def.ID, decl.EntryPoint)}
		}
		entry := &ServiceEntry{
			Alias:    decl.Alias,
			FQID:     def.Name + "/" + decl.Alias,
			Ctor:     ctor,
			Requires: decl.Requires,
		}
		if target, isOverride := overrideByAlias[decl.Alias]; isOverride {
			if err := reg.OverrideService(target, entry); err != nil {
				return err
			}
			continue
		}
		if err := reg.RegisterService(entry); err != nil {
			return err
		}
	}

	for _, spec := range def.Extends {
		ext, ok := lookupExtension(spec.EntryPoint)
		if !ok {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plugin %q: extension entry point %q not registered", def.ID, spec.EntryPoint)}
		}
		if err := reg.ExtendService(spec.Service, ext); err != nil {
			return err
		}
	}

	for _, decl := range desc.Actions {
		fn, ok := lookupAction(decl.EntryPoint)
		if !ok {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plugin %q: action entry point %q not registered", def.ID, decl.EntryPoint)}
		}
		entry := &ActionEntry{
			FQID:     def.Name + "." + decl.Name,
			Plan:     def.Name,
			Name:     decl.Name,
			Fn:       fn,
			Requires: decl.Requires,
			ReadOnly: decl.ReadOnly,
			Public:   decl.Public,
			CPUBound: decl.CPUBound,
		}
		if err := reg.RegisterAction(entry); err != nil {
			return err
		}
	}

	for point, entryPoint := range desc.Hooks {
		fn, ok := lookupHook(entryPoint)
		if !ok {
			return &auraerr.FatalStartupError{Reason: fmt.Sprintf(
				"plugin %q: hook entry point %q not registered", def.ID, entryPoint)}
		}
		reg.RegisterHook(point, fn)
	}

	return nil
}

func aliasOfFQID(fqid string) string {
	for i := len(fqid) - 1; i >= 0; i-- {
		if fqid[i] == '/' {
			return fqid[i+1:]
		}
	}
	return ""
}
