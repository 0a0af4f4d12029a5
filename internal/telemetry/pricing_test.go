package telemetry

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestInferTier(t *testing.T) {
	cases := []struct {
		backendID, model string
		want             Tier
	}{
		{"local-chat", "llama3.2:instruct", TierLocal},
		{"local-code", "qwen2.5-coder", TierLocal},
		{"gpt-5.2-o3", "o3-mini-high", TierReasoning},
		{"gpt-5.2-high", "gpt-5-high", TierElite},
		{"gpt-5.2-mini", "gpt-5-mini", TierMini},
		{"remote-mid", "gpt-5-standard", TierStandard},
	}
	for _, c := range cases {
		if got := InferTier(c.backendID, c.model); got != c.want {
			t.Errorf("InferTier(%s, %s) = %s, want %s", c.backendID, c.model, got, c.want)
		}
	}
}

func TestCostUSD_LocalIsFree(t *testing.T) {
	if got := CostUSD(TierLocal, "llama3.2:instruct", 10000, 10000); got != 0 {
		t.Errorf("CostUSD(local) = %f, want 0", got)
	}
}

func TestCostUSD_PerModelOverridesTier(t *testing.T) {
	got := CostUSD(TierStandard, "gpt-4o", 1_000_000, 0)
	if got != 2.50 {
		t.Errorf("CostUSD(gpt-4o, 1M prompt) = %f, want 2.50", got)
	}
}

func TestCompletionMultiplier(t *testing.T) {
	if CompletionMultiplier(TierReasoning) != 2.0 {
		t.Error("reasoning tier should have a 2.0 completion multiplier")
	}
	if CompletionMultiplier(TierElite) != 2.0 {
		t.Error("elite tier should have a 2.0 completion multiplier")
	}
	if CompletionMultiplier(TierStandard) != 0.5 {
		t.Error("standard tier should have a 0.5 completion multiplier")
	}
}
