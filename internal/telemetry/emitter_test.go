package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aihq/cascade-router/internal/routing"
)

func TestEmit_NoMetricsDoesNotPanic(t *testing.T) {
	e := NewEmitter(nil)
	usage := routing.UsageRecord{
		ResolvedBackendID: "local-chat",
		RoutingMeta:       routing.RoutingMeta{Task: routing.TaskChitchat, Complexity: routing.ComplexityLow},
		Attempts:          []routing.Attempt{{BackendID: "local-chat", Status: routing.StatusSuccess}},
		Tier:              string(TierLocal),
	}
	e.Emit(NewRequestID(), usage, "success")
}

func TestEmit_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewEmitter(m)

	usage := routing.UsageRecord{
		ResolvedBackendID: "gpt-5.2-high",
		RoutingMeta:       routing.RoutingMeta{Task: routing.TaskReasoning, Complexity: routing.ComplexityCritical},
		Attempts: []routing.Attempt{
			{BackendID: "local-code", Status: routing.StatusQualityFailed, Reason: "missing_code_block"},
			{BackendID: "gpt-5.2-high", Status: routing.StatusSuccess},
		},
		Escalated:        true,
		EscalationReason: "missing_code_block",
		CostEstUSD:       0.02,
		Tier:             string(TierElite),
		TotalTokensEst:   500,
	}

	e.Emit(NewRequestID(), usage, "success")

	if got := testutil.ToFloat64(m.attemptsTotal.WithLabelValues("gpt-5.2-high", "success")); got != 1 {
		t.Errorf("attemptsTotal[gpt-5.2-high,success] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.attemptsTotal.WithLabelValues("local-code", "quality_failed")); got != 1 {
		t.Errorf("attemptsTotal[local-code,quality_failed] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.escalationsTotal.WithLabelValues("missing_code_block")); got != 1 {
		t.Errorf("escalationsTotal[missing_code_block] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.costUSD.WithLabelValues(string(TierElite))); got != 0.02 {
		t.Errorf("costUSD[elite] = %f, want 0.02", got)
	}
}
