// Package config loads the gateway's runtime configuration from environment
// variables: process-level settings (ports, timeouts, budgets, provider
// credentials) and the path of the YAML configuration document, which
// internal/registry parses.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level runtime configuration for the gateway,
// sourced from environment variables.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	AuthToken    string

	ConfigPath string // path to the YAML routing document

	// Provider credentials.
	OpenAIKey      string
	OpenAIOrg      string
	OpenAIProject  string
	OpenAIBaseURL  string
	AnthropicKey   string
	OpenRouterKey  string
	OllamaBaseURL  string
	HuggingFaceKey string
	HuggingFaceURL string

	// Cost protection.
	EnableCostProtection bool
	MaxCostPerQueryUSD   map[string]float64 // tier -> limit

	// Cloud availability.
	EnableOpenAIFallback string // raw value: "0" forces off, anything else follows credentials

	// GPU admission.
	RedisURL        string
	GPUQueueMaxWork int
	GPUQueueTimeout time.Duration

	// Rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

var costTiers = []string{"mini", "standard", "reasoning", "elite", "local"}

// FromEnv loads configuration from environment variables with sensible
// defaults.
func FromEnv() Config {
	limits := make(map[string]float64, len(costTiers))
	for _, tier := range costTiers {
		limits[tier] = floatFromEnv("MAX_COST_PER_QUERY_"+strings.ToUpper(tier)+"_USD", 10.0)
	}

	return Config{
		Port:         intFromEnv("GATEWAY_PORT", 8080),
		ReadTimeout:  durationFromEnv("HTTP_READ_TIMEOUT_MS", 30_000),
		WriteTimeout: durationFromEnv("HTTP_WRITE_TIMEOUT_MS", 120_000),
		IdleTimeout:  durationFromEnv("HTTP_IDLE_TIMEOUT_MS", 60_000),
		AuthToken:    os.Getenv("GATEWAY_AUTH_TOKEN"),

		ConfigPath: strFromEnv("ROUTER_CONFIG", "config/router.yaml"),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIOrg:      os.Getenv("OPENAI_ORGANIZATION"),
		OpenAIProject:  os.Getenv("OPENAI_PROJECT"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenRouterKey:  os.Getenv("OPENROUTER_API_KEY"),
		OllamaBaseURL:  strFromEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		HuggingFaceKey: os.Getenv("HUGGINGFACE_API_KEY"),
		HuggingFaceURL: os.Getenv("HUGGINGFACE_BASE_URL"),

		EnableCostProtection: strFromEnv("ENABLE_COST_PROTECTION", "0") == "1",
		MaxCostPerQueryUSD:   limits,

		EnableOpenAIFallback: strFromEnv("ENABLE_OPENAI_FALLBACK", "1"),

		RedisURL:        os.Getenv("REDIS_URL"),
		GPUQueueMaxWork: intFromEnv("GPU_QUEUE_MAX_WORKERS", 1),
		GPUQueueTimeout: time.Duration(intFromEnv("GPU_QUEUE_TIMEOUT", 60)) * time.Second,

		RateLimitRPS:   floatFromEnv("GATEWAY_RATE_RPS", 10),
		RateLimitBurst: intFromEnv("GATEWAY_RATE_BURST", 20),
	}
}

// CloudAvailable reports whether remote-cloud backends may be selected.
// An explicit ENABLE_OPENAI_FALLBACK=0 opt-out wins; otherwise the
// presence of any provider credential decides.
func (c Config) CloudAvailable() bool {
	if strings.TrimSpace(c.EnableOpenAIFallback) == "0" {
		return false
	}
	return c.OpenAIKey != "" || c.AnthropicKey != "" || c.OpenRouterKey != "" || c.HuggingFaceKey != ""
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		log.Printf("config: invalid int for %s=%s, using default %d", key, v, def)
	}
	return def
}

func durationFromEnv(key string, defMs int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
		log.Printf("config: invalid duration for %s=%s, using default %dms", key, v, defMs)
	}
	return time.Duration(defMs) * time.Millisecond
}

func strFromEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("config: invalid float for %s=%s, using default %f", key, v, def)
	}
	return def
}

// OllamaTierParams collects the OLLAMA_{CODER|INSTRUCT}_* overrides for a
// tier name ("coder" or "instruct").
func OllamaTierParams(tier string) map[string]string {
	prefix := "OLLAMA_" + strings.ToUpper(tier) + "_"
	params := map[string]string{}
	for _, key := range []string{"NUM_CTX", "NUM_PREDICT", "TEMPERATURE", "KEEP_ALIVE"} {
		if v := os.Getenv(prefix + key); v != "" {
			params[strings.ToLower(key)] = v
		}
	}
	return params
}

// ModelNameOverride returns an env-based provider_model_name override for
// a backend id, if set: BACKEND_<ID>_MODEL with '-' and '.' mapped to '_'.
func ModelNameOverride(backendID string) (string, bool) {
	key := "BACKEND_" + envSafe(backendID) + "_MODEL"
	v := os.Getenv(key)
	return v, v != ""
}

func envSafe(s string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return strings.ToUpper(r.Replace(s))
}

// RequiredModels returns the fail-fast required backend id list from
// REQUIRED_MODELS (comma separated), defaulting to the two local
// fallbacks PolicySelector depends on.
func RequiredModels() []string {
	v := os.Getenv("REQUIRED_MODELS")
	if v == "" {
		return []string{"local-chat", "local-code"}
	}
	var ids []string
	for _, id := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// FailFastOnMissingRequired controls whether missing required ids abort
// startup.
func FailFastOnMissingRequired() bool {
	return strFromEnv("REQUIRED_MODELS_FATAL", "0") == "1"
}
