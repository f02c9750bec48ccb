package usage

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zhangz-2018/cc-switch/internal/store"
)

var million = decimal.NewFromInt(1_000_000)

// CostResult is a priced request.
type CostResult struct {
	// PricingModel is the model name the price card was looked up under.
	PricingModel string
	Multiplier   decimal.Decimal
	TotalUSD     decimal.Decimal
}

// CostResolver prices token usage against the stored per-model price cards.
type CostResolver struct {
	store store.Store
}

func NewCostResolver(st store.Store) *CostResolver {
	return &CostResolver{store: st}
}

// Resolve prices one request.
//
// The pricing model comes from either the request or the response, chosen by
// the provider's pricing source override when set, the app default
// otherwise. The cost multiplier resolves the same way: provider override
// first, app default second. Unknown models price to zero rather than
// failing the request.
func (r *CostResolver) Resolve(ctx context.Context, provider store.Provider, appCfg store.AppProxyConfig, u TokenUsage, requestModel string) (CostResult, error) {
	source := appCfg.PricingSource
	if provider.PricingSource != "" {
		source = provider.PricingSource
	}

	model := u.Model
	if source == store.PricingFromRequest || model == "" {
		model = requestModel
	}

	multiplier := appCfg.DefaultCostMultiplier
	if provider.CostMultiplier != nil {
		multiplier = *provider.CostMultiplier
	}

	res := CostResult{
		PricingModel: model,
		Multiplier:   multiplier,
		TotalUSD:     decimal.Zero,
	}
	if model == "" {
		return res, nil
	}

	pricing, ok, err := r.store.LookupPricing(ctx, model)
	if err != nil {
		return CostResult{}, err
	}
	if !ok {
		return res, nil
	}

	base := decimal.NewFromInt(u.InputTokens).Mul(pricing.InputPerMTok).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(pricing.OutputPerMTok)).
		Add(decimal.NewFromInt(u.CacheReadTokens).Mul(pricing.CacheReadPerMTok)).
		Add(decimal.NewFromInt(u.CacheWriteTokens).Mul(pricing.CacheWritePerMTok)).
		Div(million)

	res.TotalUSD = base.Mul(multiplier)
	return res, nil
}
