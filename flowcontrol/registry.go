package flowcontrol

import (
	"fmt"
	"sync"

	"github.com/estuary/ddspub/qos"
)

// DefaultControllerName is the implicit controller every writer with an
// empty qos.WriterQoS.FlowControllerName schedules onto
// (SPEC_FULL.md C.3).
const DefaultControllerName = "default"

// Registry is the participant-wide named FlowController table
// (SPEC_FULL.md C.3 "named FlowController registry"): writers select
// one by name via qos.WriterQoS.FlowControllerName, and every name not
// explicitly configured falls back to DefaultControllerName.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewRegistry constructs a Registry seeded with a default controller.
func NewRegistry(defaultConfig Config) *Registry {
	defaultConfig.Name = DefaultControllerName
	var r = &Registry{controllers: make(map[string]*Controller)}
	r.controllers[DefaultControllerName] = New(defaultConfig)
	return r
}

// Add registers a new named controller. It returns PreconditionNotMet if
// the name is already registered.
func (r *Registry) Add(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controllers[cfg.Name]; exists {
		return qos.Wrap(qos.PreconditionNotMet, "flowcontrol: controller %q already registered", cfg.Name)
	}
	r.controllers[cfg.Name] = New(cfg)
	return nil
}

// Resolve returns the controller a writer requesting name should use:
// name itself if registered, DefaultControllerName otherwise falling
// back to the always-present default, or BadParameter if even the
// default is somehow missing (cannot happen via NewRegistry).
func (r *Registry) Resolve(name string) (*Controller, error) {
	if name == "" {
		name = DefaultControllerName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.controllers[name]; ok {
		return c, nil
	}
	if c, ok := r.controllers[DefaultControllerName]; ok {
		return c, nil
	}
	return nil, qos.Wrap(qos.BadParameter, "flowcontrol: no controller named %q and no default registered", name)
}

// All returns every registered controller, for wiring each onto an
// EventLoop worker slot at participant startup.
func (r *Registry) All() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("flowcontrol.Registry{%d controllers}", len(r.controllers))
}
