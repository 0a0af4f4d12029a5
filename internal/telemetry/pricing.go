package telemetry

import (
	"math"
	"strings"
)

// Tier is the pricing/capability bucket a backend falls into.
type Tier string

const (
	TierLocal     Tier = "local"
	TierMini      Tier = "mini"
	TierStandard  Tier = "standard"
	TierReasoning Tier = "reasoning"
	TierElite     Tier = "elite"
)

// pricePerMillion is the per-tier fallback price table.
var pricePerMillion = map[Tier]float64{
	TierMini:      0.50,
	TierStandard:  5.00,
	TierReasoning: 10.00,
	TierElite:     30.00,
	TierLocal:     0.00,
}

// perModelPrice keeps exact input/output rates for models we know; anything
// not listed here is priced by its tier.
var perModelPrice = map[string]struct{ input, output float64 }{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4-turbo": {10.00, 30.00},
	"gpt-4":       {30.00, 60.00},
	"o1":          {15.00, 60.00},
	"o1-mini":     {3.00, 12.00},

	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-3-opus-20240229":     {15.00, 75.00},
	"claude-3-haiku-20240307":    {0.25, 1.25},
}

// InferTier derives a pricing tier from a backend id and provider model
// name: reasoning-family models go to reasoning, large cloud to elite,
// small cloud to mini, local to local, everything else to standard.
func InferTier(backendID, providerModelName string) Tier {
	lowerID := strings.ToLower(backendID)
	lowerModel := strings.ToLower(providerModelName)

	if strings.HasPrefix(lowerID, "local") || strings.Contains(lowerModel, "llama") ||
		strings.Contains(lowerModel, "qwen") || strings.Contains(lowerModel, "deepseek") {
		return TierLocal
	}
	if strings.HasPrefix(lowerModel, "o1") || strings.HasPrefix(lowerModel, "o3") ||
		strings.HasPrefix(lowerModel, "o4") || strings.Contains(lowerModel, "reasoning") {
		return TierReasoning
	}
	if strings.Contains(lowerModel, "opus") || strings.Contains(lowerID, "elite") ||
		strings.Contains(lowerID, "high") {
		return TierElite
	}
	if strings.Contains(lowerModel, "mini") || strings.Contains(lowerModel, "haiku") ||
		strings.Contains(lowerID, "mini") {
		return TierMini
	}
	return TierStandard
}

// CostUSD computes cost_usd = (total_tokens / 1e6) * price_per_million[tier],
// preferring an exact per-model rate split across prompt/completion tokens
// when one is known.
func CostUSD(tier Tier, providerModelName string, promptTokens, completionTokens int) float64 {
	if p, ok := perModelPrice[providerModelName]; ok {
		return float64(promptTokens)/1_000_000*p.input + float64(completionTokens)/1_000_000*p.output
	}
	total := promptTokens + completionTokens
	return float64(total) / 1_000_000 * pricePerMillion[tier]
}

// CompletionMultiplier is the cost-guard's tier-based estimate of completion
// tokens relative to prompt tokens: 2.0 for reasoning/elite (they think out
// loud), 0.5 otherwise.
func CompletionMultiplier(tier Tier) float64 {
	if tier == TierReasoning || tier == TierElite {
		return 2.0
	}
	return 0.5
}

// EstimateTokens implements tokens = max(1, ceil(chars/4)).
func EstimateTokens(text string) int {
	return int(math.Max(1, math.Ceil(float64(len(text))/4.0)))
}
