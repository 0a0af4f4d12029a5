package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aihq/cascade-router/internal/routing"
)

// localClient talks to a local Ollama-compatible endpoint, applying
// tier-specific parameters (num_ctx, num_predict, temperature, keep_alive)
// resolved by the invoker.
type localClient struct {
	baseURL    string
	httpClient *http.Client
}

func newLocalClient(baseURL string) *localClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &localClient{baseURL: baseURL, httpClient: &http.Client{}}
}

type ollamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []ollamaChatMessage    `json:"messages"`
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}

func (c *localClient) complete(ctx context.Context, model string, messages []routing.Message, params map[string]string) (string, error) {
	req := ollamaChatRequest{Model: model, Stream: false}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	options := map[string]interface{}{}
	if v, ok := params["num_ctx"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			options["num_ctx"] = n
		}
	}
	if v, ok := params["num_predict"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			options["num_predict"] = n
		}
	}
	if v, ok := params["temperature"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			options["temperature"] = f
		}
	}
	if len(options) > 0 {
		req.Options = options
	}
	if v, ok := params["keep_alive"]; ok {
		req.KeepAlive = v
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("backend: marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend: ollama transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("backend: ollama error %d: %s", resp.StatusCode, string(respBody))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("backend: decode ollama response: %w", err)
	}
	return out.Message.Content, nil
}
