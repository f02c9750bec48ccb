// Package router builds the ordered provider chain for a request.
//
// SelectProviders is called exactly once per request. It is the only place
// that consumes breaker admission, so half-open trial slots can never be
// double-counted by retries inside the same request.
package router

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/breaker"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

var (
	// ErrNoProvidersConfigured means the app has no enabled providers at all.
	ErrNoProvidersConfigured = errors.New("router: no providers configured")

	// ErrAllProvidersCircuitOpen means providers exist but every breaker
	// rejected admission.
	ErrAllProvidersCircuitOpen = errors.New("router: all provider circuits open")

	// ErrNoAvailableProvider means the pinned active target could not be
	// resolved while auto-failover is disabled.
	ErrNoAvailableProvider = errors.New("router: no available provider")
)

// Candidate is one provider admitted into a request's chain. Trial marks a
// half-open admission holding one of the breaker's bounded trial slots.
type Candidate struct {
	Provider store.Provider
	Trial    bool
}

// Router selects provider chains and settles attempt outcomes.
type Router struct {
	store    store.Store
	breakers *breaker.Registry
}

func New(st store.Store, breakers *breaker.Registry) *Router {
	return &Router{store: st, breakers: breakers}
}

// SelectProviders returns the failover chain for one request.
//
// With auto-failover disabled the chain is exactly the active target and the
// breaker is bypassed: there is nowhere to fail over to, so gating would only
// turn a degraded provider into a dead one.
//
// With failover enabled the chain is every enabled provider that its breaker
// admits, active target first, then sort order. At most one half-open trial
// is admitted per chain. If breakers reject everything and exactly one
// provider is configured, that provider is included anyway so the client
// sees the provider's real error instead of a synthetic one.
func (r *Router) SelectProviders(ctx context.Context, app store.AppType, cfg store.AppProxyConfig, activeTargetID string) ([]Candidate, error) {
	providers, err := r.store.ListProviders(ctx, app)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, ErrNoProvidersConfigured
	}

	providers = moveActiveFirst(providers, activeTargetID)

	if !cfg.AutoFailoverEnabled {
		if activeTargetID != "" && providers[0].ID != activeTargetID {
			return nil, ErrNoAvailableProvider
		}
		return []Candidate{{Provider: providers[0]}}, nil
	}

	var (
		chain     []Candidate
		haveTrial bool
	)
	for _, p := range providers {
		b := r.breakers.Get(p.ID)
		allowed, trial := b.Allow()
		if !allowed {
			continue
		}
		if trial && haveTrial {
			// One half-open probe per chain is enough.
			b.ReleaseTrial()
			continue
		}
		if trial {
			haveTrial = true
		}
		chain = append(chain, Candidate{Provider: p, Trial: trial})
	}

	if len(chain) == 0 {
		if len(providers) == 1 {
			log.Warn().
				Str("app", string(app)).
				Str("provider", providers[0].ID).
				Msg("router: sole provider circuit open, sending anyway")
			return []Candidate{{Provider: providers[0]}}, nil
		}
		return nil, ErrAllProvidersCircuitOpen
	}
	return chain, nil
}

// RecordResult settles one attempt's transport outcome against the
// provider's breaker, passing along whether the candidate held a half-open
// trial slot.
func (r *Router) RecordResult(c Candidate, success bool) {
	r.breakers.Get(c.Provider.ID).RecordOutcome(success, c.Trial)
}

// ReleaseUnattempted returns trial slots held by candidates the forwarder
// never reached because an earlier provider delivered a response.
func (r *Router) ReleaseUnattempted(chain []Candidate) {
	for _, c := range chain {
		if c.Trial {
			r.breakers.Get(c.Provider.ID).ReleaseTrial()
		}
	}
}

// moveActiveFirst reorders so the active target leads the chain. Providers
// arrive already sorted by SortIndex.
func moveActiveFirst(providers []store.Provider, activeID string) []store.Provider {
	if activeID == "" {
		return providers
	}
	for i, p := range providers {
		if p.ID == activeID {
			if i == 0 {
				return providers
			}
			out := make([]store.Provider, 0, len(providers))
			out = append(out, p)
			out = append(out, providers[:i]...)
			out = append(out, providers[i+1:]...)
			return out
		}
	}
	return providers
}
