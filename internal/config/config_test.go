package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Engine.Transport != "auto" {
		t.Errorf("expected auto, got %s", cfg.Engine.Transport)
	}
	if cfg.Retry.Retries != 4 {
		t.Errorf("expected 4 retries, got %d", cfg.Retry.Retries)
	}
	if cfg.Coordinator.SilenceTimeout.Duration != time.Second {
		t.Errorf("expected 1s silence, got %v", cfg.Coordinator.SilenceTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[engine]
base_url = "https://engine.example/bot"
transport = "rest"

[engine.headers]
X-Tenant = "t1"

[retry]
min_timeout = "250ms"

[coordinator]
subscribe = true
silence_timeout = "1500ms"
`), 0644)

	cfg := Load(path)
	if cfg.Engine.BaseURL != "https://engine.example/bot" {
		t.Errorf("expected base url from file, got %s", cfg.Engine.BaseURL)
	}
	if cfg.Engine.Transport != "rest" {
		t.Errorf("expected rest, got %s", cfg.Engine.Transport)
	}
	if cfg.Engine.Headers["X-Tenant"] != "t1" {
		t.Errorf("expected header t1, got %v", cfg.Engine.Headers)
	}
	if cfg.Retry.MinTimeout.Duration != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Retry.MinTimeout)
	}
	if !cfg.Coordinator.Subscribe || cfg.Coordinator.SilenceTimeout.Duration != 1500*time.Millisecond {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	// Defaults preserved
	if cfg.Retry.Retries != 4 || cfg.Retry.MaxTimeout.Duration != time.Minute {
		t.Errorf("default should be preserved, got %+v", cfg.Retry)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("D2E_BASE_URL", "http://env")
	t.Setenv("D2E_TOKEN", "env-token")
	t.Setenv("D2E_SUBSCRIBE", "1")
	t.Setenv("D2E_SILENCE_TIMEOUT", "2s")
	t.Setenv("D2E_RETRIES", "1")
	t.Setenv("D2E_OBSERVER_ENABLED", "true")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Engine.BaseURL != "http://env" {
		t.Errorf("expected http://env, got %s", cfg.Engine.BaseURL)
	}
	if cfg.Engine.Token != "env-token" {
		t.Errorf("expected env-token, got %s", cfg.Engine.Token)
	}
	if !cfg.Coordinator.Subscribe || cfg.Coordinator.SilenceTimeout.Duration != 2*time.Second {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
	if cfg.Retry.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", cfg.Retry.Retries)
	}
	if !cfg.Observer.Enabled {
		t.Error("expected observer enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.Engine.Transport = "websocket" }},
		{"base url", func(c *Config) { c.Engine.BaseURL = "" }},
		{"silence", func(c *Config) { c.Coordinator.SilenceTimeout = Duration{2 * time.Minute} }},
		{"retries", func(c *Config) { c.Retry.Retries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRetryConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.Retry.MinTimeout = Duration{10 * time.Millisecond}
	rc := cfg.RetryConfig()
	if rc.MinTimeout != 10*time.Millisecond || rc.Retries != 4 || rc.Factor != 2 || !rc.Randomize {
		t.Errorf("RetryConfig = %+v", rc)
	}
}
