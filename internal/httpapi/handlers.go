package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aihq/cascade-router/internal/routing"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func toRoutingMessages(messages []chatMessage) []routing.Message {
	out := make([]routing.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, routing.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	start := time.Now()

	if r.Method != http.MethodPost {
		s.writeJSONWithMetrics(w, r, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		s.writeJSONWithMetrics(w, r, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}

	messages := toRoutingMessages(req.Messages)
	result := s.engine.Run(r.Context(), messages)

	initialModel := ""
	if len(result.Usage.Attempts) > 0 {
		initialModel = result.Usage.Attempts[0].BackendID
	}
	w.Header().Set("X-AI-Router-Initial-Model", initialModel)
	w.Header().Set("X-AI-Router-Final-Model", result.Usage.ResolvedBackendID)
	w.Header().Set("X-AI-Router-Escalated", fmt.Sprintf("%t", result.Usage.Escalated))
	w.Header().Set("X-AI-Router-Escalation-Reason", result.Usage.EscalationReason)

	if result.UpstreamStatus != 0 {
		s.logJSON(map[string]any{"event": "chat_upstream_error", "req_id": reqID, "status": result.UpstreamStatus, "duration_ms": time.Since(start).Milliseconds()})
		s.writeJSONWithMetrics(w, r, result.UpstreamStatus, map[string]string{"error": result.UpstreamBody})
		return
	}

	if reason, failed := terminalTransportFailure(result.Usage.Attempts); failed {
		s.writeJSONWithMetrics(w, r, http.StatusBadGateway, map[string]string{"error": reason})
		return
	}

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Usage.ResolvedBackendID,
		Choices: []chatChoice{{Index: 0, Message: chatMessage{Role: "assistant", Content: result.Text}, FinishReason: "stop"}},
	}
	s.latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	s.logJSON(map[string]any{
		"event":       "chat_ok",
		"req_id":      reqID,
		"resolved":    result.Usage.ResolvedBackendID,
		"escalated":   result.Usage.Escalated,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	s.writeJSONWithMetrics(w, r, http.StatusOK, resp)
}

// routeRequest is the native request shape for /route. LatencyMSMax bounds
// the per-request deadline; Budget, PreferCode, and Critical are accepted
// for client-side compatibility but otherwise unused: classification stays
// a deterministic function of the messages alone.
type routeRequest struct {
	Messages     []chatMessage `json:"messages"`
	LatencyMSMax int64         `json:"latency_ms_max"`
	Budget       float64       `json:"budget"`
	PreferCode   bool          `json:"prefer_code"`
	Critical     bool          `json:"critical"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)

	if r.Method != http.MethodPost {
		s.writeJSONWithMetrics(w, r, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		s.writeJSONWithMetrics(w, r, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}

	ctx := r.Context()
	var cancel func()
	if req.LatencyMSMax > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.LatencyMSMax)*time.Millisecond)
		defer cancel()
	}

	messages := toRoutingMessages(req.Messages)
	result := s.engine.Run(ctx, messages)

	if result.UpstreamStatus != 0 {
		s.writeJSONWithMetrics(w, r, result.UpstreamStatus, map[string]any{"error": result.UpstreamBody, "usage": result.Usage})
		return
	}
	if reason, failed := terminalTransportFailure(result.Usage.Attempts); failed {
		s.writeJSONWithMetrics(w, r, http.StatusBadGateway, map[string]any{"error": reason, "usage": result.Usage})
		return
	}
	s.writeJSONWithMetrics(w, r, http.StatusOK, map[string]any{"text": result.Text, "usage": result.Usage})
}

// terminalTransportFailure reports whether the cascade's last attempt died
// on transport (every candidate exhausted) and the reason to surface.
// queue_timeout and cost_guard_blocked carry their own reason; anything
// else collapses to a generic message.
func terminalTransportFailure(attempts []routing.Attempt) (string, bool) {
	if len(attempts) == 0 {
		return "all candidates failed", true
	}
	last := attempts[len(attempts)-1]
	if last.Status != routing.StatusTransportError {
		return "", false
	}
	if last.Reason != "" {
		return last.Reason, true
	}
	return "all candidates failed", true
}

func (s *Server) handleDebugDecision(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)

	if r.Method != http.MethodPost {
		s.writeJSONWithMetrics(w, r, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		s.writeJSONWithMetrics(w, r, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}

	messages := toRoutingMessages(req.Messages)
	meta, plan := s.engine.Plan(r.Context(), messages)

	selected := ""
	if len(plan) > 0 {
		selected = plan[0]
	}
	s.writeJSONWithMetrics(w, r, http.StatusOK, map[string]any{
		"routing_meta":        meta,
		"selected_backend_id": selected,
		"fallback_available":  len(plan) > 1,
	})
}
