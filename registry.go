package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FactoryResult is what a tool factory produces: the callable tools and a descriptor per
// tool, keyed by whatever the factory chooses (usually the tool name).
type FactoryResult struct {
	Tools  []Tool
	Schema map[string]ToolSpec
}

// Factory creates tools for one agent. It may read the agent's persistent and runtime
// parameters. It must not register tools itself: the resolver does that on its behalf,
// and other factories may be running against the same agent concurrently.
type Factory func(ctx context.Context, a *Agent) (FactoryResult, error)

// NamedFactory pairs a factory with the stable name reported in load outcomes.
type NamedFactory struct {
	Name    string
	Factory Factory
}

// Named returns NamedFactory values labelled prefix[i] for a positional factory list.
func Named(prefix string, factories ...Factory) []NamedFactory {
	out := make([]NamedFactory, 0, len(factories))
	for i, f := range factories {
		out = append(out, NamedFactory{Name: fmt.Sprintf("%s[%d]", prefix, i), Factory: f})
	}
	return out
}

// EffectiveFactories returns core followed by the members of all whose positions appear
// in selection. Both groups keep their original relative order, and a repeated index
// selects its factory once. Indices outside all are returned as skipped.
func EffectiveFactories(core, all []NamedFactory, selection []int) ([]NamedFactory, []int) {
	chosen := make(map[int]struct{}, len(selection))
	var skipped []int
	for _, idx := range selection {
		if idx < 0 || idx >= len(all) {
			skipped = append(skipped, idx)
			continue
		}
		chosen[idx] = struct{}{}
	}

	out := make([]NamedFactory, 0, len(core)+len(chosen))
	out = append(out, core...)
	for i, f := range all {
		if _, ok := chosen[i]; ok {
			out = append(out, f)
		}
	}
	return out, skipped
}

// Registry is a name-keyed set of tool factories. Selecting by name stays stable when
// factories are added or reordered, unlike positional selection.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Names are case-insensitive and must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return fmt.Errorf("factory name is empty")
	}
	if factory == nil {
		return fmt.Errorf("factory %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, name)
	}
	r.factories[key] = factory
	r.order = append(r.order, key)
	return nil
}

// MustRegister is Register for static setup code; it panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns every factory in registration order.
func (r *Registry) All() []NamedFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedFactory, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, NamedFactory{Name: key, Factory: r.factories[key]})
	}
	return out
}

// Select resolves names to factories, in the order given and without duplicates.
// Unknown names fail the whole selection.
func (r *Registry) Select(names ...string) ([]NamedFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(names))
	out := make([]NamedFactory, 0, len(names))
	var unknown []string
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		f, ok := r.factories[key]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out = append(out, NamedFactory{Name: key, Factory: f})
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, strings.Join(unknown, ", "))
	}
	return out, nil
}

// SelectIndices is positional selection over the registration order.
func (r *Registry) SelectIndices(indices ...int) ([]NamedFactory, []int) {
	return EffectiveFactories(nil, r.All(), indices)
}
