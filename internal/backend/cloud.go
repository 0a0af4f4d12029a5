package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aihq/cascade-router/internal/config"
	"github.com/aihq/cascade-router/internal/routing"
)

// UpstreamError preserves an HTTP status the cascade must propagate
// verbatim rather than retry (400/401/402/403/404).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend: upstream status %d: %s", e.StatusCode, e.Body)
}

// preservedStatuses are the upstream HTTP codes the cascade aborts on
// rather than escalating to the next candidate.
var preservedStatuses = map[int]bool{400: true, 401: true, 402: true, 403: true, 404: true}

// reasoningFamilyPrefixes names the provider-model prefixes that reject a
// temperature parameter and take reasoning_effort instead.
var reasoningFamilyPrefixes = []string{"o1", "o3", "o4"}

func isReasoningFamily(model string) bool {
	lower := strings.ToLower(model)
	for _, p := range reasoningFamilyPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// cloudClient fans out to whichever remote API a backend entry names via
// its "api" param (default "openai"): openai, openrouter, anthropic, or
// huggingface.
type cloudClient struct {
	cfg              config.Config
	httpClient       *http.Client
	openaiClient     *openai.Client
	openrouterClient *openai.Client
}

func newCloudClient(cfg config.Config) *cloudClient {
	c := &cloudClient{cfg: cfg, httpClient: &http.Client{}}

	if cfg.OpenAIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
		if cfg.OpenAIBaseURL != "" {
			clientCfg.BaseURL = strings.TrimSuffix(cfg.OpenAIBaseURL, "/")
		}
		clientCfg.OrgID = cfg.OpenAIOrg
		clientCfg.HTTPClient = &http.Client{Transport: projectHeaderTransport{project: cfg.OpenAIProject}}
		c.openaiClient = openai.NewClientWithConfig(clientCfg)
	}

	if cfg.OpenRouterKey != "" {
		orCfg := openai.DefaultConfig(cfg.OpenRouterKey)
		orCfg.BaseURL = "https://openrouter.ai/api/v1"
		c.openrouterClient = openai.NewClientWithConfig(orCfg)
	}

	return c
}

// projectHeaderTransport injects the OpenAI-Project header the go-openai
// client has no dedicated field for.
type projectHeaderTransport struct {
	project string
	base    http.RoundTripper
}

func (t projectHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.project != "" {
		req.Header.Set("OpenAI-Project", t.project)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (c *cloudClient) complete(ctx context.Context, api string, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	switch api {
	case "anthropic":
		return c.completeAnthropic(ctx, entry, messages)
	case "huggingface":
		return c.completeHuggingFace(ctx, entry, messages)
	case "openrouter":
		return c.completeOpenAICompatible(ctx, c.openrouterClient, entry, messages)
	default:
		return c.completeOpenAICompatible(ctx, c.openaiClient, entry, messages)
	}
}

func (c *cloudClient) checkHealth(ctx context.Context, api string) (bool, error) {
	switch api {
	case "anthropic":
		return c.checkHealthAnthropic(ctx)
	case "huggingface":
		return true, nil // no models-list endpoint worth gating on
	case "openrouter":
		return c.checkHealthOpenAI(ctx, c.openrouterClient)
	default:
		return c.checkHealthOpenAI(ctx, c.openaiClient)
	}
}

func (c *cloudClient) checkHealthOpenAI(ctx context.Context, client *openai.Client) (bool, error) {
	if client == nil {
		return false, errors.New("backend: provider not configured")
	}
	_, err := client.ListModels(ctx)
	if err != nil {
		if isUnauthorized(err) {
			return false, err
		}
		return true, nil // transient/network error; don't disable on it
	}
	return true, nil
}

func (c *cloudClient) checkHealthAnthropic(ctx context.Context) (bool, error) {
	if c.cfg.AnthropicKey == "" {
		return false, errors.New("backend: anthropic not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.anthropic.com/v1/models", nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("x-api-key", c.cfg.AnthropicKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	return true, nil
}

func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "401")
}

// completeOpenAICompatible serves the openai and openrouter apis, which
// share go-openai's client. Reasoning-family models omit temperature and
// take reasoning_effort from the backend entry's params instead.
func (c *cloudClient) completeOpenAICompatible(ctx context.Context, client *openai.Client, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	if client == nil {
		return "", fmt.Errorf("backend: no client configured for %s", entry.ID)
	}

	req := openai.ChatCompletionRequest{
		Model:    entry.ProviderModelName,
		Messages: toOpenAIMessages(messages),
	}

	if isReasoningFamily(entry.ProviderModelName) {
		if effort, ok := entry.Params["reasoning_effort"]; ok {
			req.ReasoningEffort = effort
		}
	} else {
		req.Temperature = paramFloat32(entry.Params, "temperature", 0.7)
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && preservedStatuses[apiErr.HTTPStatusCode] {
			return "", &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("backend: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []routing.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func paramFloat32(params map[string]string, key string, def float32) float32 {
	if v, ok := params[key]; ok {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return def
}

// Anthropic messages API.

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *cloudClient) completeAnthropic(ctx context.Context, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	if c.cfg.AnthropicKey == "" {
		return "", errors.New("backend: ANTHROPIC_API_KEY required")
	}

	var systemMsg string
	var converted []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			systemMsg = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		converted = append(converted, anthropicMessage{Role: role, Content: m.Content})
	}
	if len(converted) == 0 {
		return "", errors.New("backend: at least one user or assistant message required")
	}

	reqBody := anthropicRequest{
		Model:     entry.ProviderModelName,
		MaxTokens: 4096,
		Messages:  converted,
		System:    systemMsg,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("backend: marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.AnthropicKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend: anthropic transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if preservedStatuses[resp.StatusCode] {
			return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return "", fmt.Errorf("backend: anthropic error %d: %s", resp.StatusCode, string(respBody))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("backend: decode anthropic response: %w", err)
	}
	if len(out.Content) == 0 {
		return "", errors.New("backend: anthropic returned no content")
	}
	return out.Content[0].Text, nil
}

// HuggingFace Inference API (chat-completions style).

type hfChatRequest struct {
	Model       string      `json:"model"`
	Messages    []hfMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	Stream      bool        `json:"stream"`
}

type hfMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type hfChatResponse struct {
	Choices []struct {
		Message hfMessage `json:"message"`
	} `json:"choices"`
}

func (c *cloudClient) completeHuggingFace(ctx context.Context, entry routing.BackendEntry, messages []routing.Message) (string, error) {
	if c.cfg.HuggingFaceKey == "" {
		return "", errors.New("backend: HUGGINGFACE_API_KEY required")
	}

	var converted []hfMessage
	for _, m := range messages {
		converted = append(converted, hfMessage{Role: m.Role, Content: m.Content})
	}

	reqBody := hfChatRequest{
		Model:       entry.ProviderModelName,
		Messages:    converted,
		MaxTokens:   4096,
		Temperature: float64(paramFloat32(entry.Params, "temperature", 0.7)),
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("backend: marshal huggingface request: %w", err)
	}

	endpoint := c.cfg.HuggingFaceURL
	if endpoint == "" {
		endpoint = "https://api-inference.huggingface.co/v1/chat/completions"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("backend: build huggingface request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.HuggingFaceKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("backend: huggingface transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if preservedStatuses[resp.StatusCode] {
			return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return "", fmt.Errorf("backend: huggingface error %d: %s", resp.StatusCode, string(respBody))
	}

	var out hfChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("backend: decode huggingface response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("backend: huggingface returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
