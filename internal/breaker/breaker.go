// Package breaker implements per-provider circuit breaking.
//
// Each provider gets its own breaker. A breaker opens on either a run of
// consecutive transport failures or a high failure ratio over the recent
// outcome window, stays open for a cool-down, then admits a bounded number
// of trial requests before deciding to close again or reopen.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker tracks outcomes for one provider. All methods are safe for
// concurrent use.
type Breaker struct {
	mu         sync.Mutex
	clk        clock.Clock
	providerID string
	cfg        store.BreakerConfig

	state               State
	consecutiveFailures int
	openedAt            time.Time

	// Fixed ring of recent outcomes for the error-rate rule. true = failure.
	window     [config.BreakerWindowSize]bool
	windowLen  int
	windowPos  int
	windowFail int

	trialInFlight  int
	trialSuccesses int
}

// Snapshot is a point-in-time view of a breaker for admin surfaces.
type Snapshot struct {
	ProviderID          string    `json:"provider_id"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowRequests      int       `json:"window_requests"`
	WindowFailures      int       `json:"window_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	TrialInFlight       int       `json:"trial_in_flight"`
	TrialSuccesses      int       `json:"trial_successes"`
}

// New creates a closed breaker for a provider.
func New(providerID string, cfg store.BreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{clk: clk, providerID: providerID, cfg: cfg}
}

// Allow reports whether a request may be sent to this provider right now.
// When trial is true the caller holds one of the bounded half-open trial
// slots and must either attempt the request and call RecordOutcome, or call
// ReleaseTrial if the attempt never happens.
func (b *Breaker) Allow() (allowed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.clk.Now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, false
		}
		b.toHalfOpen()
		fallthrough
	case HalfOpen:
		if b.trialInFlight >= b.cfg.MaxTrialCalls {
			return false, false
		}
		b.trialInFlight++
		return true, true
	}
	return false, false
}

// ReleaseTrial returns an unspent trial slot. Call it only for a trial
// reservation that was never attempted; attempted trials are settled by
// RecordOutcome instead.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trialInFlight > 0 {
		b.trialInFlight--
	}
}

// RecordOutcome settles one attempt against this provider. Only transport
// outcomes count: a delivered HTTP response is a success regardless of its
// status code. trial must be the trial flag the attempt's Allow call
// returned, so a request admitted while Closed that completes late cannot
// settle a half-open trial it never held.
func (b *Breaker) RecordOutcome(success, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if !trial {
			// Late result from a request admitted while Closed. It says
			// nothing about recovery, so it must not consume a trial slot
			// or count toward the success threshold.
			return
		}
		if b.trialInFlight > 0 {
			b.trialInFlight--
		}
		if !success {
			b.toOpen()
			return
		}
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	case Closed:
		if trial {
			// Trial settled after another trial already closed the breaker.
			return
		}
		b.pushOutcome(!success)
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.toOpen()
			return
		}
		if b.windowLen >= b.cfg.MinRequests &&
			float64(b.windowFail)/float64(b.windowLen) >= b.cfg.ErrorRateThreshold {
			b.toOpen()
		}
	case Open:
		// Late result from a request that was in flight when the breaker
		// tripped. Nothing to update.
	}
}

// UpdateConfig swaps in new tuning without disturbing the current state.
func (b *Breaker) UpdateConfig(cfg store.BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
	log.Info().Str("provider", b.providerID).Msg("breaker: manually reset")
}

// State returns the current state, promoting Open to HalfOpen if the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.toHalfOpen()
	}
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ProviderID:          b.providerID,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		WindowRequests:      b.windowLen,
		WindowFailures:      b.windowFail,
		OpenedAt:            b.openedAt,
		TrialInFlight:       b.trialInFlight,
		TrialSuccesses:      b.trialSuccesses,
	}
}

// pushOutcome records one outcome in the ring. failed=true counts toward
// the error rate.
func (b *Breaker) pushOutcome(failed bool) {
	if b.windowLen == len(b.window) {
		if b.window[b.windowPos] {
			b.windowFail--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowPos] = failed
	if failed {
		b.windowFail++
	}
	b.windowPos = (b.windowPos + 1) % len(b.window)
}

func (b *Breaker) resetWindow() {
	b.windowLen = 0
	b.windowPos = 0
	b.windowFail = 0
}

func (b *Breaker) toOpen() {
	b.state = Open
	b.openedAt = b.clk.Now()
	b.trialInFlight = 0
	b.trialSuccesses = 0
	b.resetWindow()
	log.Warn().Str("provider", b.providerID).Msg("breaker: opened")
}

func (b *Breaker) toHalfOpen() {
	b.state = HalfOpen
	b.trialInFlight = 0
	b.trialSuccesses = 0
	log.Info().Str("provider", b.providerID).Msg("breaker: half-open, admitting trials")
}

func (b *Breaker) toClosed() {
	b.state = Closed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = 0
	b.trialSuccesses = 0
	b.resetWindow()
	log.Info().Str("provider", b.providerID).Msg("breaker: closed")
}
