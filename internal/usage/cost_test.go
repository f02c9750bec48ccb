package usage

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

type pricingStore struct {
	store.Store
	cards map[string]store.ModelPricing
}

func (s *pricingStore) LookupPricing(_ context.Context, modelID string) (store.ModelPricing, bool, error) {
	p, ok := s.cards[modelID]
	return p, ok, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func resolver(cards map[string]store.ModelPricing) *CostResolver {
	return NewCostResolver(&pricingStore{cards: cards})
}

func appCfgWith(multiplier string, source store.PricingModelSource) store.AppProxyConfig {
	c := store.DefaultAppConfig(store.AppClaude)
	c.DefaultCostMultiplier = dec(multiplier)
	c.PricingSource = source
	return c
}

func TestProviderMultiplierBeatsAppDefault(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"m": {ModelID: "m", InputPerMTok: dec("2.0")},
	})

	m := dec("2")
	provider := store.Provider{ID: "p", CostMultiplier: &m}
	cfg := appCfgWith("1.5", store.PricingFromResponse)

	res, err := r.Resolve(context.Background(), provider, cfg,
		TokenUsage{Model: "m", InputTokens: 1_000_000}, "m")
	require.NoError(t, err)

	assert.True(t, res.TotalUSD.Equal(dec("4.0")), "got %s", res.TotalUSD)
	assert.True(t, res.Multiplier.Equal(dec("2")))
}

func TestAppDefaultMultiplierApplies(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"m": {ModelID: "m", InputPerMTok: dec("2.0")},
	})

	res, err := r.Resolve(context.Background(), store.Provider{ID: "p"},
		appCfgWith("1.5", store.PricingFromResponse),
		TokenUsage{Model: "m", InputTokens: 1_000_000}, "m")
	require.NoError(t, err)

	assert.True(t, res.TotalUSD.Equal(dec("3.0")), "got %s", res.TotalUSD)
}

func TestAllTokenClassesPriced(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"m": {
			ModelID:           "m",
			InputPerMTok:      dec("3"),
			OutputPerMTok:     dec("15"),
			CacheReadPerMTok:  dec("0.3"),
			CacheWritePerMTok: dec("3.75"),
		},
	})

	u := TokenUsage{
		Model:            "m",
		InputTokens:      1000,
		OutputTokens:     2000,
		CacheReadTokens:  10000,
		CacheWriteTokens: 4000,
	}
	res, err := r.Resolve(context.Background(), store.Provider{ID: "p"},
		appCfgWith("1", store.PricingFromResponse), u, "m")
	require.NoError(t, err)

	// 0.003 + 0.03 + 0.003 + 0.015
	assert.True(t, res.TotalUSD.Equal(dec("0.051")), "got %s", res.TotalUSD)
}

func TestUnknownModelCostsZero(t *testing.T) {
	r := resolver(nil)

	res, err := r.Resolve(context.Background(), store.Provider{ID: "p"},
		appCfgWith("1", store.PricingFromResponse),
		TokenUsage{Model: "mystery", InputTokens: 500}, "mystery")
	require.NoError(t, err)

	assert.True(t, res.TotalUSD.IsZero())
	assert.Equal(t, "mystery", res.PricingModel)
}

func TestPricingSourceRequest(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"requested": {ModelID: "requested", InputPerMTok: dec("1")},
		"reported":  {ModelID: "reported", InputPerMTok: dec("100")},
	})

	res, err := r.Resolve(context.Background(), store.Provider{ID: "p"},
		appCfgWith("1", store.PricingFromRequest),
		TokenUsage{Model: "reported", InputTokens: 1_000_000}, "requested")
	require.NoError(t, err)

	assert.Equal(t, "requested", res.PricingModel)
	assert.True(t, res.TotalUSD.Equal(dec("1")), "got %s", res.TotalUSD)
}

func TestProviderPricingSourceOverride(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"requested": {ModelID: "requested", InputPerMTok: dec("1")},
		"reported":  {ModelID: "reported", InputPerMTok: dec("100")},
	})

	provider := store.Provider{ID: "p", PricingSource: store.PricingFromRequest}
	res, err := r.Resolve(context.Background(), provider,
		appCfgWith("1", store.PricingFromResponse),
		TokenUsage{Model: "reported", InputTokens: 1_000_000}, "requested")
	require.NoError(t, err)

	assert.Equal(t, "requested", res.PricingModel)
}

func TestResponseSourceFallsBackToRequestModel(t *testing.T) {
	r := resolver(map[string]store.ModelPricing{
		"requested": {ModelID: "requested", InputPerMTok: dec("1")},
	})

	// Upstream never reported a model name.
	res, err := r.Resolve(context.Background(), store.Provider{ID: "p"},
		appCfgWith("1", store.PricingFromResponse),
		TokenUsage{InputTokens: 1_000_000}, "requested")
	require.NoError(t, err)

	assert.Equal(t, "requested", res.PricingModel)
	assert.True(t, res.TotalUSD.Equal(dec("1")))
}
