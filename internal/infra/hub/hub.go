// Package hub delivers resolved updates to real-time topic buses.
package hub

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/herald/errs"
	"github.com/coachpo/herald/internal/domain/schema"
)

const registryComponent = "hub/registry"

// DefaultName is the name under which the default hub is registered when
// none is given.
const DefaultName = "default"

// Hub publishes updates to subscribers. Publish is synchronous from the
// caller's perspective; transport failures are returned, not retried.
type Hub interface {
	Name() string
	// URL is the subscriber-facing endpoint, used to build subscription URLs.
	URL() string
	Publish(ctx context.Context, update schema.Update) error
}

// Closer is implemented by hubs holding connections.
type Closer interface {
	Close() error
}

// Registry maps hub names to hubs and resolves the default hub.
type Registry struct {
	mu          sync.RWMutex
	hubs        map[string]Hub
	defaultName string
}

// NewRegistry builds a registry from hubs. The first hub becomes the default
// unless SetDefault is called.
func NewRegistry(hubs ...Hub) *Registry {
	r := &Registry{hubs: make(map[string]Hub, len(hubs))}
	for _, h := range hubs {
		r.Register(h)
	}
	return r
}

// Register adds or replaces a hub.
func (r *Registry) Register(h Hub) {
	if h == nil {
		return
	}
	name := normalizeName(h.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[name] = h
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault selects the hub used when an update names none.
func (r *Registry) SetDefault(name string) error {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hubs[name]; !ok {
		return notFound(name)
	}
	r.defaultName = name
	return nil
}

// Default returns the default hub name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Hub resolves name, falling back to the default hub for an empty name.
func (r *Registry) Hub(name string) (Hub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.TrimSpace(name)
	if key == "" {
		key = r.defaultName
	}
	key = normalizeName(key)
	h, ok := r.hubs[key]
	if !ok {
		return nil, notFound(key)
	}
	return h, nil
}

// Publish sends update through the named hub.
func (r *Registry) Publish(ctx context.Context, name string, update schema.Update) error {
	h, err := r.Hub(name)
	if err != nil {
		return err
	}
	return h.Publish(ctx, update)
}

// Names lists registered hubs in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hubs))
	for name := range r.hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every hub implementing Closer and returns the first error.
func (r *Registry) Close() error {
	r.mu.RLock()
	hubs := make([]Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.RUnlock()
	var first error
	for _, h := range hubs {
		if c, ok := h.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultName
	}
	return name
}

func notFound(name string) error {
	return errs.New(registryComponent, errs.CodeConfiguration,
		errs.WithCanonicalCode(errs.CanonicalHubNotFound),
		errs.WithMessage("hub not registered"),
		errs.WithField("hub", name))
}
