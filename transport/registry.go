package transport

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

type registration struct {
	builder Builder
	caps    Capabilities
}

// Registry maps transport names, as configured in PubSubSystem, to their
// builders and delivery capabilities. Transport packages register from init.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]registration
}

// DefaultRegistry is the registry the broker builds from unless told otherwise.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]registration)}
}

// Register adds builder under name with capabilities that only carry the name.
// Registering a name again replaces the previous builder.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities adds builder under name together with caps.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = registration{builder: builder, caps: caps}
}

// Unregister removes name. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, name)
}

// GetCapabilities returns the capabilities registered for name, or a value
// carrying only the name when the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.transports[name]; ok {
		return reg.caps
	}
	return Capabilities{Name: name}
}

// All returns the capabilities of every registered transport ordered by name.
func (r *Registry) All() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Capabilities, 0, len(r.transports))
	for _, name := range slices.Sorted(maps.Keys(r.transports)) {
		all = append(all, r.transports[name].caps)
	}
	return all
}

// Build connects the transport selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	reg, ok := r.transports[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	tr, err := reg.builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("%s: %w", name, err)
	}
	return tr, nil
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.transports))
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transports[name]
	return ok
}

// Register adds builder to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds builder and caps to DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// AllCapabilities lists the capabilities of every transport in DefaultRegistry.
func AllCapabilities() []Capabilities {
	return DefaultRegistry.All()
}

// Build connects a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
