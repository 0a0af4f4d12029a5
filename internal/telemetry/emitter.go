package telemetry

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aihq/cascade-router/internal/routing"
)

// CostMeter estimates token counts and USD cost for a completed request.
type CostMeter struct{}

// NewCostMeter constructs a CostMeter. It is stateless: pricing is a pure
// function of tier and model name.
func NewCostMeter() *CostMeter {
	return &CostMeter{}
}

// Estimate computes the prompt/completion/total token estimates and the
// cost for one request, given the resolved backend's tier and model name.
func (m *CostMeter) Estimate(promptText, completionText string, tier Tier, providerModelName string) (promptTokens, completionTokens, totalTokens int, costUSD float64) {
	promptTokens = EstimateTokens(promptText)
	completionTokens = EstimateTokens(completionText)
	totalTokens = promptTokens + completionTokens
	costUSD = CostUSD(tier, providerModelName, promptTokens, completionTokens)
	return
}

// Record is the one-line-per-request telemetry record. Its shape is the
// contract; the sink it is written to is interchangeable.
type Record struct {
	Timestamp   time.Time `json:"ts"`
	RequestID   string    `json:"request_id"`
	Task        string    `json:"task"`
	Complexity  string    `json:"complexity"`
	BackendID   string    `json:"backend_id"`
	Tier        string    `json:"tier"`
	TokensTotal int       `json:"tokens_total"`
	LatencyMS   int64     `json:"latency_ms"`
	CostEstUSD  float64   `json:"cost_est_usd"`
	Status      string    `json:"status"`
	Escalated   bool      `json:"escalated"`
}

// Emitter writes one Record per completed request. The sink is a line on
// the standard log package's logger; the Record shape is the contract.
type Emitter struct {
	metrics *Metrics
}

// NewEmitter builds an Emitter. metrics may be nil to skip Prometheus
// recording (e.g. in tests).
func NewEmitter(metrics *Metrics) *Emitter {
	return &Emitter{metrics: metrics}
}

// NewRequestID mints a request id for a new request.
func NewRequestID() string {
	return uuid.NewString()
}

// Emit writes the telemetry record for a completed request and, if metrics
// is configured, records the corresponding Prometheus series.
func (e *Emitter) Emit(requestID string, usage routing.UsageRecord, status string) {
	rec := Record{
		Timestamp:   time.Now(),
		RequestID:   requestID,
		Task:        string(usage.RoutingMeta.Task),
		Complexity:  usage.RoutingMeta.Complexity.String(),
		BackendID:   usage.ResolvedBackendID,
		Tier:        usage.Tier,
		TokensTotal: usage.TotalTokensEst,
		LatencyMS:   usage.LatencyMS,
		CostEstUSD:  usage.CostEstUSD,
		Status:      status,
		Escalated:   usage.Escalated,
	}

	if line, err := json.Marshal(rec); err == nil {
		log.Printf("telemetry: %s", line)
	} else {
		log.Printf("telemetry: marshal failed for request %s: %v", requestID, err)
	}

	if e.metrics == nil {
		return
	}

	for _, a := range usage.Attempts {
		e.metrics.RecordAttempt(a.BackendID, string(a.Status))
	}
	e.metrics.RecordRequest(string(usage.RoutingMeta.Task), usage.Tier, float64(usage.LatencyMS)/1000.0)
	e.metrics.RecordCost(usage.Tier, usage.CostEstUSD)
	e.metrics.RecordTokens(usage.PromptTokensEst, usage.CompletionTokensEst)
	if usage.Escalated {
		e.metrics.RecordEscalation(usage.EscalationReason)
	}
}
