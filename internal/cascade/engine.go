// Package cascade orchestrates one request end-to-end: classify, select a
// candidate plan, attempt each candidate in turn behind a quality gate,
// escalate at most once, and emit a UsageRecord.
package cascade

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/aihq/cascade-router/internal/admission"
	"github.com/aihq/cascade-router/internal/backend"
	"github.com/aihq/cascade-router/internal/registry"
	"github.com/aihq/cascade-router/internal/routing"
	"github.com/aihq/cascade-router/internal/telemetry"
)

// maxAttempts bounds the cascade to one retry, capping tail latency and
// cost.
const maxAttempts = 2

// Classifier produces routing metadata for a request.
type Classifier interface {
	Classify(ctx context.Context, messages []routing.Message, cloudAvailable bool) routing.RoutingMeta
}

// Selector turns routing metadata into an ordered candidate plan.
type Selector interface {
	Select(meta routing.RoutingMeta, cloudAvailable bool) []string
}

// Invoker calls a resolved backend.
type Invoker interface {
	Invoke(ctx context.Context, backendID string, messages []routing.Message, deadline time.Duration) (string, error)
}

// Result is what the HTTP layer needs after a cascaded request: the
// produced text, the UsageRecord, and, for unretryable upstream errors,
// the HTTP status to propagate verbatim.
type Result struct {
	Text           string
	Usage          routing.UsageRecord
	UpstreamStatus int    // 0 unless an unretryable upstream error aborted the cascade
	UpstreamBody   string // the upstream's error body, when UpstreamStatus != 0
}

// Engine wires Classify -> Select -> Attempt -> quality gate -> escalate
// -> Emit.
type Engine struct {
	reg        *registry.Registry
	classifier Classifier
	selector   Selector
	invoker    Invoker
	admission  *admission.Queue
	emitter    *telemetry.Emitter
	costMeter  *telemetry.CostMeter

	cloudAvailable func() bool
	deadline       time.Duration
}

// Config bundles an Engine's collaborators.
type Config struct {
	Registry       *registry.Registry
	Classifier     Classifier
	Selector       Selector
	Invoker        Invoker
	Admission      *admission.Queue
	Emitter        *telemetry.Emitter
	CloudAvailable func() bool
	Deadline       time.Duration // per-attempt invocation deadline; 0 means none
}

// New builds an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		reg:            cfg.Registry,
		classifier:     cfg.Classifier,
		selector:       cfg.Selector,
		invoker:        cfg.Invoker,
		admission:      cfg.Admission,
		emitter:        cfg.Emitter,
		costMeter:      telemetry.NewCostMeter(),
		cloudAvailable: cfg.CloudAvailable,
		deadline:       cfg.Deadline,
	}
}

// Plan classifies and selects a candidate backend list without attempting
// any of them. The debug decision endpoint uses this directly.
func (e *Engine) Plan(ctx context.Context, messages []routing.Message) (routing.RoutingMeta, []string) {
	cloudAvailable := e.cloudAvailable()
	meta := e.classifier.Classify(ctx, messages, cloudAvailable)
	plan := e.selector.Select(meta, cloudAvailable)
	return meta, plan
}

// Run executes the full state machine for one request.
func (e *Engine) Run(ctx context.Context, messages []routing.Message) Result {
	start := time.Now()
	meta, plan := e.Plan(ctx, messages)

	var attempts []routing.Attempt
	var lastText string
	var status string
	upstreamStatus := 0
	upstreamBody := ""

cascade:
	for idx := 0; idx < len(plan) && len(attempts) < maxAttempts; idx++ {
		backendID := plan[idx]
		entry, ok := e.reg.Get(backendID)
		if !ok {
			continue
		}

		text, attemptStatus, reason, upErr, upBody := e.attempt(ctx, entry, messages, meta.Task)
		attempts = append(attempts, routing.Attempt{BackendID: backendID, Status: attemptStatus, Reason: reason})
		lastText = text

		switch attemptStatus {
		case routing.StatusUpstreamError:
			status = "upstream_error"
			upstreamStatus = upErr
			upstreamBody = upBody
			break cascade
		case routing.StatusSuccess:
			status = "success"
			break cascade
		default: // quality_failed or transport_error
			if reason == "cost_guard_blocked" {
				status = reason
				break cascade
			}
			hasNext := idx+1 < len(plan) && len(attempts) < maxAttempts
			if hasNext {
				continue cascade
			}
			if attemptStatus == routing.StatusQualityFailed {
				status = "quality_compromised"
			} else if reason != "" {
				status = reason
			} else {
				status = "transport_error"
			}
			break cascade
		}
	}

	escalated := len(attempts) > 1
	escalationReason := ""
	if escalated {
		first := attempts[0]
		escalationReason = string(first.Status)
		if first.Reason != "" {
			escalationReason = first.Reason
		}
	}

	resolvedID := ""
	if len(attempts) > 0 {
		resolvedID = attempts[len(attempts)-1].BackendID
	}
	resolvedEntry, _ := e.reg.Get(resolvedID)
	tier := telemetry.InferTier(resolvedEntry.ID, resolvedEntry.ProviderModelName)

	promptTokens, completionTokens, totalTokens, cost := e.costMeter.Estimate(concat(messages), lastText, tier, resolvedEntry.ProviderModelName)
	if allLocal(attempts, e.reg) {
		cost = 0
	}

	usage := routing.UsageRecord{
		PromptTokensEst:     promptTokens,
		CompletionTokensEst: completionTokens,
		TotalTokensEst:      totalTokens,
		ResolvedBackendID:   resolvedID,
		LatencyMS:           time.Since(start).Milliseconds(),
		RoutingMeta:         meta,
		Attempts:            attempts,
		Escalated:           escalated,
		EscalationReason:    escalationReason,
		CostEstUSD:          cost,
		Tier:                string(tier),
	}

	if e.emitter != nil {
		e.emitter.Emit(telemetry.NewRequestID(), usage, status)
	}

	return Result{Text: lastText, Usage: usage, UpstreamStatus: upstreamStatus, UpstreamBody: upstreamBody}
}

// attempt invokes one candidate, wrapping local_gpu calls in GPU admission,
// and classifies the outcome: text goes to the quality gate, a preserved
// upstream status aborts the cascade, anything else counts as a transport
// failure.
func (e *Engine) attempt(ctx context.Context, entry routing.BackendEntry, messages []routing.Message, task routing.Task) (text string, status routing.AttemptStatus, reason string, upstreamStatusCode int, upstreamBody string) {
	var token admission.Token
	if entry.Provider == routing.ProviderLocalGPU && e.admission != nil {
		t, err := e.admission.Acquire(ctx)
		if err != nil {
			if errors.Is(err, admission.ErrQueueTimeout) {
				return "", routing.StatusTransportError, "queue_timeout", 0, ""
			}
			return "", routing.StatusTransportError, "", 0, ""
		}
		token = t
		defer e.admission.Release(token)
	}

	attemptStart := time.Now()
	out, err := e.invoker.Invoke(ctx, entry.ID, messages, e.deadline)
	if sla := e.reg.SLA(); sla.Enabled && sla.SoftLimitMS > 0 {
		if elapsed := time.Since(attemptStart).Milliseconds(); elapsed > sla.SoftLimitMS {
			log.Printf("cascade: attempt on %s took %dms, over soft SLA %dms", entry.ID, elapsed, sla.SoftLimitMS)
		}
	}
	if err != nil {
		var upErr *backend.UpstreamError
		if errors.As(err, &upErr) {
			return "", routing.StatusUpstreamError, "", upErr.StatusCode, upErr.Body
		}
		if errors.Is(err, backend.ErrCostGuardBlocked) {
			return "", routing.StatusTransportError, "cost_guard_blocked", 0, ""
		}
		return "", routing.StatusTransportError, "", 0, ""
	}

	if ok, failReason := qualityGate(task, out); !ok {
		return out, routing.StatusQualityFailed, failReason, 0, ""
	}
	return out, routing.StatusSuccess, "", 0, ""
}

func allLocal(attempts []routing.Attempt, reg *registry.Registry) bool {
	for _, a := range attempts {
		entry, ok := reg.Get(a.BackendID)
		if !ok || entry.Provider != routing.ProviderLocalGPU {
			return false
		}
	}
	return len(attempts) > 0
}

func concat(messages []routing.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
	}
	return b.String()
}
