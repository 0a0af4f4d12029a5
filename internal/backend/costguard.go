package backend

import (
	"strings"

	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/routing"
	"github.com/aihq/cascade-router/internal/telemetry"
)

// costGuard refuses a remote invocation whose estimated cost exceeds the
// configured per-tier limit.
type costGuard struct {
	enabled bool
	limits  map[string]float64 // tier -> USD limit
}

func newCostGuard(cfg config.Config) *costGuard {
	return &costGuard{enabled: cfg.EnableCostProtection, limits: cfg.MaxCostPerQueryUSD}
}

func (g *costGuard) check(entry routing.BackendEntry, messages []routing.Message) error {
	if !g.enabled {
		return nil
	}

	tier := telemetry.InferTier(entry.ID, entry.ProviderModelName)
	promptTokens := telemetry.EstimateTokens(concatMessages(messages))
	estCompletion := int(float64(promptTokens) * telemetry.CompletionMultiplier(tier))
	estCost := telemetry.CostUSD(tier, entry.ProviderModelName, promptTokens, estCompletion)

	if limit, ok := g.limits[string(tier)]; ok && estCost > limit {
		return ErrCostGuardBlocked
	}
	return nil
}

func concatMessages(messages []routing.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
	}
	return b.String()
}
