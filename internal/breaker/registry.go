package breaker

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

// Registry owns one breaker per provider and the shared tuning they run
// under. Breakers are created lazily on first lookup.
type Registry struct {
	mu       sync.Mutex
	clk      clock.Clock
	cfg      store.BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg store.BreakerConfig, clk clock.Clock) *Registry {
	return &Registry{
		clk:      clk,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it closed if needed.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerID]
	if !ok {
		b = New(providerID, r.cfg, r.clk)
		r.breakers[providerID] = b
	}
	return b
}

// UpdateConfig pushes new tuning to every live breaker. States and counters
// are preserved; only the thresholds change.
func (r *Registry) UpdateConfig(cfg store.BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, b := range r.breakers {
		b.UpdateConfig(cfg)
	}
}

// Reset forces one provider's breaker closed. It reports false when no
// breaker exists for the provider yet.
func (r *Registry) Reset(providerID string) bool {
	r.mu.Lock()
	b, ok := r.breakers[providerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Remove drops the breaker for a deleted provider.
func (r *Registry) Remove(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, providerID)
}

// Snapshots returns every breaker's state, ordered by provider ID.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}
