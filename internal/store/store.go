// Package store persists gateway configuration and usage telemetry.
//
// Everything hot-reloadable lives here: provider definitions, per-app proxy
// settings, circuit breaker tuning, and model pricing. The daemon reads the
// store on every request path decision so edits take effect without a
// restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhangz-2018/cc-switch/internal/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// AppType identifies which CLI an inbound request belongs to.
type AppType string

const (
	AppClaude AppType = "claude"
	AppCodex  AppType = "codex"
	AppGemini AppType = "gemini"
)

// ParseAppType validates an app type string.
func ParseAppType(s string) (AppType, error) {
	switch AppType(s) {
	case AppClaude, AppCodex, AppGemini:
		return AppType(s), nil
	}
	return "", fmt.Errorf("unknown app type %q", s)
}

// AppTypes lists every supported app, in a stable order.
func AppTypes() []AppType {
	return []AppType{AppClaude, AppCodex, AppGemini}
}

// PricingModelSource selects which model name prices a request: the one the
// client sent ("request") or the one the upstream reported ("response").
type PricingModelSource string

const (
	PricingFromRequest  PricingModelSource = "request"
	PricingFromResponse PricingModelSource = "response"
)

// Provider is one upstream API endpoint configured for an app. SettingsJSON
// holds the CLI-native settings blob (env vars, base URLs, keys) in the same
// shape the CLI's own config file uses; the adapters package extracts
// credentials from it.
type Provider struct {
	ID           string
	AppType      AppType
	Name         string
	SettingsJSON string
	SortIndex    int
	Enabled      bool

	// CostMultiplier overrides the app-level default when non-nil.
	CostMultiplier *decimal.Decimal
	// PricingSource overrides the app-level default when non-empty.
	PricingSource PricingModelSource
}

// AppProxyConfig is the per-app forwarding policy.
type AppProxyConfig struct {
	AppType             AppType
	AutoFailoverEnabled bool

	NonStreamingTimeout time.Duration
	FirstByteTimeout    time.Duration
	IdleTimeout         time.Duration

	DefaultCostMultiplier decimal.Decimal
	PricingSource         PricingModelSource
}

// EffectiveTimeouts returns the timeouts that actually apply. With
// auto-failover disabled all three are forced to zero: a timeout would only
// kill a request that has no alternative provider to fall back to.
func (c AppProxyConfig) EffectiveTimeouts() (nonStreaming, firstByte, idle time.Duration) {
	if !c.AutoFailoverEnabled {
		return 0, 0, 0
	}
	return c.NonStreamingTimeout, c.FirstByteTimeout, c.IdleTimeout
}

// BreakerConfig is the shared circuit breaker tuning. A single row applies
// to every provider breaker; updates are pushed to live breakers without
// resetting their state.
type BreakerConfig struct {
	FailureThreshold   int
	ErrorRateThreshold float64
	MinRequests        int
	CoolDown           time.Duration
	SuccessThreshold   int
	MaxTrialCalls      int
}

// ModelPricing is the per-million-token price card for one model.
type ModelPricing struct {
	ModelID           string
	InputPerMTok      decimal.Decimal
	OutputPerMTok     decimal.Decimal
	CacheReadPerMTok  decimal.Decimal
	CacheWritePerMTok decimal.Decimal
}

// UsageRecord is one finalized request's telemetry row. Failed forwards are
// recorded too, with a zero cost and the error text filled in.
type UsageRecord struct {
	ID           string
	Timestamp    time.Time
	AppType      AppType
	ProviderID   string
	ProviderName string

	Model        string
	RequestModel string
	PricingModel string

	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64

	CostMultiplier decimal.Decimal
	TotalCostUSD   decimal.Decimal

	LatencyMS    int64
	FirstTokenMS int64
	StatusCode   int
	IsStreaming  bool
	SessionID    string
	Error        string
}

// Store is the persistence surface the gateway depends on.
type Store interface {
	// ListProviders returns enabled providers for an app ordered by
	// SortIndex ascending. Disabled providers are excluded.
	ListProviders(ctx context.Context, app AppType) ([]Provider, error)
	GetProvider(ctx context.Context, id string) (Provider, error)
	SaveProvider(ctx context.Context, p Provider) error
	DeleteProvider(ctx context.Context, id string) error

	AppConfig(ctx context.Context, app AppType) (AppProxyConfig, error)
	SaveAppConfig(ctx context.Context, c AppProxyConfig) error

	BreakerConfig(ctx context.Context) (BreakerConfig, error)
	SaveBreakerConfig(ctx context.Context, c BreakerConfig) error

	// LookupPricing returns the price card for a model, or ok=false when
	// the model is unknown (unknown models cost zero).
	LookupPricing(ctx context.Context, modelID string) (ModelPricing, bool, error)
	SavePricing(ctx context.Context, p ModelPricing) error

	InsertUsage(ctx context.Context, rec UsageRecord) error
	RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error)

	Close() error
}

// DefaultAppConfig is the policy used before an app has a stored row.
func DefaultAppConfig(app AppType) AppProxyConfig {
	return AppProxyConfig{
		AppType:               app,
		AutoFailoverEnabled:   true,
		NonStreamingTimeout:   config.DefaultNonStreamingTimeout,
		FirstByteTimeout:      config.DefaultFirstByteTimeout,
		IdleTimeout:           config.DefaultIdleTimeout,
		DefaultCostMultiplier: decimal.NewFromInt(1),
		PricingSource:         PricingFromResponse,
	}
}

// DefaultBreakerConfig is the tuning used before a row is stored.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   config.DefaultFailureThreshold,
		ErrorRateThreshold: config.DefaultErrorRateThreshold,
		MinRequests:        config.DefaultMinRequests,
		CoolDown:           config.DefaultCoolDown,
		SuccessThreshold:   config.DefaultSuccessThreshold,
		MaxTrialCalls:      config.DefaultMaxTrialCalls,
	}
}
