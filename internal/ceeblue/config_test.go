package ceeblue

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CEEBLUE_API_URL", "CEEBLUE_TOKEN", "CEEBLUE_USERNAME", "CEEBLUE_PASSWORD",
		"CEEBLUE_HTTP_TIMEOUT", "CEEBLUE_HTTP_MAX_ATTEMPTS", "CEEBLUE_HTTP_RETRY_INTERVAL",
		"CEEBLUE_MAX_CONCURRENT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEEBLUE_TOKEN", "jwt")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", cfg.BaseURL)
	}
	if cfg.HTTPTimeout != 10*time.Second || cfg.HTTPMaxAttempts != 3 || cfg.HTTPRetryInterval != 500*time.Millisecond || cfg.MaxConcurrent != 32 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UsesLogin() {
		t.Fatal("static token must not log in")
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEEBLUE_API_URL", "http://localhost:9000/v1")
	t.Setenv("CEEBLUE_USERNAME", "ops")
	t.Setenv("CEEBLUE_PASSWORD", "hunter2")
	t.Setenv("CEEBLUE_HTTP_TIMEOUT", "2s")
	t.Setenv("CEEBLUE_HTTP_MAX_ATTEMPTS", "5")
	t.Setenv("CEEBLUE_HTTP_RETRY_INTERVAL", "0s")
	t.Setenv("CEEBLUE_MAX_CONCURRENT", "4")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.BaseURL != "http://localhost:9000/v1" || cfg.HTTPTimeout != 2*time.Second ||
		cfg.HTTPMaxAttempts != 5 || cfg.HTTPRetryInterval != 0 || cfg.MaxConcurrent != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.UsesLogin() {
		t.Fatal("expected username/password to require login")
	}
}

func TestLoadConfigFromEnvErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing credentials": {},
		"username only":       {"CEEBLUE_USERNAME": "ops"},
		"bad timeout":         {"CEEBLUE_TOKEN": "jwt", "CEEBLUE_HTTP_TIMEOUT": "soon"},
		"bad attempts":        {"CEEBLUE_TOKEN": "jwt", "CEEBLUE_HTTP_MAX_ATTEMPTS": "many"},
		"bad interval":        {"CEEBLUE_TOKEN": "jwt", "CEEBLUE_HTTP_RETRY_INTERVAL": "x"},
		"bad concurrency":     {"CEEBLUE_TOKEN": "jwt", "CEEBLUE_MAX_CONCURRENT": "-"},
		"bad scheme":          {"CEEBLUE_TOKEN": "jwt", "CEEBLUE_API_URL": "ftp://example.com"},
	}
	for name, env := range cases {
		env := env
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfigFromEnv(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	err := Config{Username: "ops"}.Validate()
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if !strings.Contains(err.Error(), "CEEBLUE_TOKEN") {
		t.Fatalf("expected error to name the variables, got %v", err)
	}
}
