package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/aihq/cascade-router/internal/routing"
)

// responsesRequest accepts three input shapes: a bare string, a plain
// message list, or the nested Responses-API item list.
type responsesRequest struct {
	Model  string          `json:"model"`
	Input  json.RawMessage `json:"input"`
	Stream bool            `json:"stream"`
}

type responsesContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesItem struct {
	Type    string                 `json:"type"`
	Role    string                 `json:"role"`
	Content []responsesContentPart `json:"content"`
}

func parseResponsesInput(raw json.RawMessage) ([]routing.Message, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []routing.Message{{Role: "user", Content: s}}, true
	}

	var plain []chatMessage
	if err := json.Unmarshal(raw, &plain); err == nil && len(plain) > 0 {
		return toRoutingMessages(plain), true
	}

	var items []responsesItem
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		messages := make([]routing.Message, 0, len(items))
		for _, item := range items {
			var b strings.Builder
			for _, part := range item.Content {
				b.WriteString(part.Text)
			}
			role := item.Role
			if role == "" {
				role = "user"
			}
			messages = append(messages, routing.Message{Role: role, Content: b.String()})
		}
		return messages, true
	}

	return nil, false
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	start := time.Now()

	if r.Method != http.MethodPost {
		s.writeJSONWithMetrics(w, r, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONWithMetrics(w, r, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	messages, ok := parseResponsesInput(req.Input)
	if !ok || len(messages) == 0 {
		s.writeJSONWithMetrics(w, r, http.StatusBadRequest, map[string]string{"error": "input is required"})
		return
	}

	stream := req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if !stream {
		result := s.engine.Run(r.Context(), messages)
		if result.UpstreamStatus != 0 {
			s.writeJSONWithMetrics(w, r, result.UpstreamStatus, map[string]string{"error": result.UpstreamBody})
			return
		}
		s.latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		s.writeJSONWithMetrics(w, r, http.StatusOK, map[string]any{
			"id":     "resp-" + reqID,
			"object": "response",
			"model":  result.Usage.ResolvedBackendID,
			"output": []map[string]any{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": result.Text},
					},
				},
			},
		})
		return
	}

	s.streamResponses(w, r, reqID, messages)
}

// streamResponses runs the cascade and replays its single result as the
// fixed SSE event sequence. The cascade itself is not token-streaming;
// each event still carries a monotonically increasing sequence_number and
// the exact event names a Responses-API client expects.
func (s *Server) streamResponses(w http.ResponseWriter, r *http.Request, reqID string, messages []routing.Message) {
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSONWithMetrics(w, r, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seq := 0
	emit := func(eventType string, payload map[string]any) bool {
		seq++
		payload["type"] = eventType
		payload["sequence_number"] = seq
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(data); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	responseID := "resp-" + reqID
	itemID := "item-" + reqID

	if !emit("response.created", map[string]any{"response": map[string]any{"id": responseID, "status": "in_progress"}}) {
		return
	}
	if !emit("response.output_item.added", map[string]any{"item": map[string]any{"id": itemID, "type": "message", "role": "assistant"}}) {
		return
	}
	if !emit("response.content_part.added", map[string]any{"item_id": itemID, "part": map[string]any{"type": "output_text", "text": ""}}) {
		return
	}

	result := s.engine.Run(r.Context(), messages)

	if result.UpstreamStatus != 0 {
		emit("error", map[string]any{"error": map[string]any{"message": result.UpstreamBody, "status": result.UpstreamStatus}})
		s.logJSON(map[string]any{"event": "responses_stream_error", "req_id": reqID, "status": result.UpstreamStatus, "duration_ms": time.Since(start).Milliseconds()})
		return
	}

	if !emit("response.output_text.delta", map[string]any{"item_id": itemID, "delta": result.Text}) {
		return
	}
	if !emit("response.output_text.done", map[string]any{"item_id": itemID, "text": result.Text}) {
		return
	}
	if !emit("response.output_item.done", map[string]any{"item": map[string]any{"id": itemID, "type": "message", "role": "assistant"}}) {
		return
	}
	emit("response.completed", map[string]any{"response": map[string]any{"id": responseID, "status": "completed", "model": result.Usage.ResolvedBackendID}})

	s.latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	s.logJSON(map[string]any{
		"event":       "responses_stream_ok",
		"req_id":      reqID,
		"resolved":    result.Usage.ResolvedBackendID,
		"escalated":   result.Usage.Escalated,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
