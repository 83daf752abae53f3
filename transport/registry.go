package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps pubsub_system values to backend builders together with the
// delivery guarantees each backend offers conversation traffic. Names are
// matched case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backend
}

type backend struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds the backends registered by the transport
// sub-packages on import.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backend)}
}

// UnknownTransportError is returned by Build when pubsub_system names no
// registered backend.
type UnknownTransportError struct {
	Name       string
	Registered []string
}

func (e *UnknownTransportError) Error() string {
	return fmt.Sprintf("unknown transport %q (registered: %s)", e.Name, strings.Join(e.Registered, ", "))
}

// ErrIncompleteTransport is returned when a builder yields a transport
// without both a publisher and a subscriber.
var ErrIncompleteTransport = errors.New("builder returned a transport without publisher or subscriber")

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a backend with no declared guarantees.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{})
}

// RegisterWithCapabilities adds a backend and what it guarantees. A later
// registration under the same name replaces the earlier one.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	key := normalizeName(name)
	if caps.Name == "" {
		caps.Name = key
	}
	r.mu.Lock()
	r.backends[key] = backend{build: builder, caps: caps}
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[normalizeName(name)]
	return b, ok
}

// GetCapabilities returns what the named backend guarantees. Unknown names
// yield a Capabilities with only Name set, i.e. no guarantees and no size
// limit.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if b, ok := r.lookup(name); ok {
		return b.caps
	}
	return Capabilities{Name: normalizeName(name)}
}

// Build creates the backend selected by cfg. Builder errors are returned
// unchanged since builders already prefix them with their name. Backends
// that do not keep publish order are reported on the logger: provisional
// events may then reach clients ahead of their predecessors.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}

	name := normalizeName(cfg.GetPubSubSystem())
	b, ok := r.lookup(name)
	if !ok {
		return Transport{}, &UnknownTransportError{Name: name, Registered: r.Names()}
	}

	t, err := b.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, err
	}
	if t.Publisher == nil || t.Subscriber == nil {
		_ = t.Close()
		return Transport{}, fmt.Errorf("%s: %w", name, ErrIncompleteTransport)
	}

	if logger != nil && !b.caps.SupportsOrdering {
		logger.Info("Transport does not preserve publish order, clients reorder by sequence", watermill.LogFields{
			"transport": name,
		})
	}
	return t, nil
}

// Names lists the registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Describe returns the capabilities of every registered backend, sorted by
// name.
func (r *Registry) Describe() []Capabilities {
	names := r.Names()
	out := make([]Capabilities, 0, len(names))
	for _, name := range names {
		out = append(out, r.GetCapabilities(name))
	}
	return out
}

// Register adds a backend to DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a backend and its guarantees to
// DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a backend from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
