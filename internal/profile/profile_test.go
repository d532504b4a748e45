package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearLLMEnvVars(t *testing.T) {
	t.Helper()
	for _, suffix := range []string{
		"LLM_PROVIDER",
		"LLM_API_KEY",
		"LLM_BASE_URL",
		"LLM_MODEL",
		"LLM_TIMEOUT_SECONDS",
	} {
		os.Unsetenv("HEARTWISE_AI_" + suffix)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearLLMEnvVars(t)

	p := &Profile{}
	p.FromEnv()

	if p.LLMProvider != "deepseek" {
		t.Errorf("LLMProvider: expected %q, got %q", "deepseek", p.LLMProvider)
	}
	if p.LLMBaseURL != "https://api.deepseek.com" {
		t.Errorf("LLMBaseURL: expected provider default, got %q", p.LLMBaseURL)
	}
	if p.LLMModel != "deepseek-chat" {
		t.Errorf("LLMModel: expected provider default, got %q", p.LLMModel)
	}
	if p.LLMTimeout != 120 {
		t.Errorf("LLMTimeout: expected 120, got %d", p.LLMTimeout)
	}
	if p.IsAIEnabled() {
		t.Error("IsAIEnabled: expected false without an API key")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearLLMEnvVars(t)
	t.Setenv("HEARTWISE_AI_LLM_PROVIDER", "openai")
	t.Setenv("HEARTWISE_AI_LLM_API_KEY", "test-key")
	t.Setenv("HEARTWISE_AI_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("HEARTWISE_AI_LLM_TIMEOUT_SECONDS", "30")

	p := &Profile{}
	p.FromEnv()

	if p.LLMProvider != "openai" {
		t.Errorf("LLMProvider: expected %q, got %q", "openai", p.LLMProvider)
	}
	if p.LLMBaseURL != "https://api.openai.com/v1" {
		t.Errorf("LLMBaseURL: expected openai default, got %q", p.LLMBaseURL)
	}
	if p.LLMModel != "gpt-4o-mini" {
		t.Errorf("LLMModel: explicit model should win, got %q", p.LLMModel)
	}
	if p.LLMTimeout != 30 {
		t.Errorf("LLMTimeout: expected 30, got %d", p.LLMTimeout)
	}
	if !p.IsAIEnabled() {
		t.Error("IsAIEnabled: expected true with an API key")
	}
}

func TestFromEnvUnknownProviderFallsBack(t *testing.T) {
	clearLLMEnvVars(t)
	t.Setenv("HEARTWISE_AI_LLM_PROVIDER", "no-such-provider")

	p := &Profile{}
	p.FromEnv()

	if p.LLMProvider != "deepseek" {
		t.Errorf("LLMProvider: expected fallback to deepseek, got %q", p.LLMProvider)
	}
}

func TestValidateSQLiteDefaultDSN(t *testing.T) {
	p := &Profile{Mode: "dev", Driver: "sqlite", Data: t.TempDir()}

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}
	want := filepath.Join(p.Data, "heartwise_dev.db")
	if p.DSN != want {
		t.Errorf("DSN: expected %q, got %q", want, p.DSN)
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	p := &Profile{Mode: "dev", Driver: "postgres", Data: t.TempDir()}

	err := p.Validate()
	if err == nil {
		t.Fatal("Validate: expected error for postgres without DSN")
	}
	if !strings.Contains(err.Error(), "dsn is required") {
		t.Errorf("Validate: unexpected error message %q", err.Error())
	}
}

func TestValidateUnsupportedDriver(t *testing.T) {
	p := &Profile{Mode: "dev", Driver: "mysql", Data: t.TempDir()}

	if err := p.Validate(); err == nil {
		t.Fatal("Validate: expected error for unsupported driver")
	}
}

func TestValidateNormalizesMode(t *testing.T) {
	p := &Profile{Mode: "staging", Driver: "sqlite", Data: t.TempDir()}

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: unexpected error: %v", err)
	}
	if p.Mode != "demo" {
		t.Errorf("Mode: expected fallback to demo, got %q", p.Mode)
	}
}
