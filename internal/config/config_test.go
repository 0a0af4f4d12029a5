package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	saved := make(map[string]string, len(keys))
	for _, k := range keys {
		saved[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range saved {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	})
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t, "GATEWAY_PORT", "HTTP_READ_TIMEOUT_MS", "HTTP_WRITE_TIMEOUT_MS",
		"HTTP_IDLE_TIMEOUT_MS", "GATEWAY_AUTH_TOKEN", "OLLAMA_BASE_URL",
		"GATEWAY_RATE_RPS", "GATEWAY_RATE_BURST", "ENABLE_OPENAI_FALLBACK",
		"GPU_QUEUE_MAX_WORKERS", "GPU_QUEUE_TIMEOUT")

	cfg := FromEnv()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout != 120*time.Second {
		t.Errorf("WriteTimeout = %v, want 120s", cfg.WriteTimeout)
	}
	if cfg.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("OllamaBaseURL = %s, want http://localhost:11434", cfg.OllamaBaseURL)
	}
	if cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %f, want 10", cfg.RateLimitRPS)
	}
	if cfg.GPUQueueMaxWork != 1 {
		t.Errorf("GPUQueueMaxWork = %d, want 1", cfg.GPUQueueMaxWork)
	}
	if cfg.GPUQueueTimeout != 60*time.Second {
		t.Errorf("GPUQueueTimeout = %v, want 60s", cfg.GPUQueueTimeout)
	}
	for _, tier := range costTiers {
		if cfg.MaxCostPerQueryUSD[tier] != 10.0 {
			t.Errorf("MaxCostPerQueryUSD[%s] = %f, want 10.0", tier, cfg.MaxCostPerQueryUSD[tier])
		}
	}
}

func TestFromEnv_InvalidInt(t *testing.T) {
	clearEnv(t, "GATEWAY_PORT")
	os.Setenv("GATEWAY_PORT", "not-a-number")

	if cfg := FromEnv(); cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080 (default)", cfg.Port)
	}
}

func TestFromEnv_InvalidFloat(t *testing.T) {
	clearEnv(t, "GATEWAY_RATE_RPS")
	os.Setenv("GATEWAY_RATE_RPS", "not-a-float")

	if cfg := FromEnv(); cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %f, want 10 (default)", cfg.RateLimitRPS)
	}
}

func TestCloudAvailable(t *testing.T) {
	clearEnv(t, "ENABLE_OPENAI_FALLBACK", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"OPENROUTER_API_KEY", "HUGGINGFACE_API_KEY")

	if (Config{}).CloudAvailable() {
		t.Fatal("expected no cloud availability without credentials")
	}

	withKey := Config{OpenAIKey: "sk-test", EnableOpenAIFallback: "1"}
	if !withKey.CloudAvailable() {
		t.Fatal("expected cloud availability with an API key present")
	}

	forcedOff := Config{OpenAIKey: "sk-test", EnableOpenAIFallback: "0"}
	if forcedOff.CloudAvailable() {
		t.Fatal("ENABLE_OPENAI_FALLBACK=0 must force cloud off even with credentials")
	}
}

func TestModelNameOverride(t *testing.T) {
	clearEnv(t, "BACKEND_GPT_5_2_HIGH_MODEL")
	if _, ok := ModelNameOverride("gpt-5.2-high"); ok {
		t.Fatal("expected no override by default")
	}

	os.Setenv("BACKEND_GPT_5_2_HIGH_MODEL", "gpt-5.2-high-2026-01")
	name, ok := ModelNameOverride("gpt-5.2-high")
	if !ok || name != "gpt-5.2-high-2026-01" {
		t.Fatalf("ModelNameOverride = %q, %v; want override applied", name, ok)
	}
}

func TestOllamaTierParams(t *testing.T) {
	clearEnv(t, "OLLAMA_CODER_NUM_CTX", "OLLAMA_CODER_TEMPERATURE")
	os.Setenv("OLLAMA_CODER_NUM_CTX", "8192")
	os.Setenv("OLLAMA_CODER_TEMPERATURE", "0.1")

	params := OllamaTierParams("coder")
	if params["num_ctx"] != "8192" || params["temperature"] != "0.1" {
		t.Fatalf("OllamaTierParams = %v", params)
	}
}

func TestRequiredModels_Default(t *testing.T) {
	clearEnv(t, "REQUIRED_MODELS")
	got := RequiredModels()
	if len(got) != 2 || got[0] != "local-chat" || got[1] != "local-code" {
		t.Fatalf("RequiredModels() = %v", got)
	}
}
