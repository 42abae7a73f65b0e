package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/d2e"
)

type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Retry       RetryConfig       `toml:"retry"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Transcript  TranscriptConfig  `toml:"transcript"`
	Observer    ObserverConfig    `toml:"observer"`
	Mock        MockConfig        `toml:"mock"`
}

type EngineConfig struct {
	BaseURL   string            `toml:"base_url"`
	Transport string            `toml:"transport"`
	Token     string            `toml:"token"`
	Locale    string            `toml:"locale"`
	Greet     bool              `toml:"greet"`
	Headers   map[string]string `toml:"headers"`
}

type RetryConfig struct {
	Retries    int      `toml:"retries"`
	Factor     float64  `toml:"factor"`
	MinTimeout Duration `toml:"min_timeout"`
	MaxTimeout Duration `toml:"max_timeout"`
	Randomize  bool     `toml:"randomize"`
}

type CoordinatorConfig struct {
	Subscribe      bool     `toml:"subscribe"`
	SilenceTimeout Duration `toml:"silence_timeout"`
}

type TranscriptConfig struct {
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

type MockConfig struct {
	Addr     string `toml:"addr"`
	Greeting string `toml:"greeting"`
}

// Duration is a time.Duration written as a Go duration string ("1500ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	retry := d2e.DefaultRetryConfig()
	return Config{
		Engine: EngineConfig{BaseURL: "http://localhost:8080", Transport: string(d2e.TransportAuto), Greet: true},
		Retry: RetryConfig{
			Retries:    retry.Retries,
			Factor:     retry.Factor,
			MinTimeout: Duration{retry.MinTimeout},
			MaxTimeout: Duration{retry.MaxTimeout},
			Randomize:  retry.Randomize,
		},
		Coordinator: CoordinatorConfig{SilenceTimeout: Duration{time.Second}},
		Transcript:  TranscriptConfig{Path: filepath.Join(home, ".d2e", "transcript.db")},
		Observer:    ObserverConfig{ServiceName: "d2e"},
		Mock:        MockConfig{Addr: ":8080"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "d2e.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("D2E_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("D2E_TRANSPORT"); v != "" {
		cfg.Engine.Transport = v
	}
	if v := os.Getenv("D2E_TOKEN"); v != "" {
		cfg.Engine.Token = v
	}
	if v := os.Getenv("D2E_LOCALE"); v != "" {
		cfg.Engine.Locale = v
	}
	if v := os.Getenv("D2E_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.Retries = n
		}
	}
	if v := os.Getenv("D2E_SUBSCRIBE"); v != "" {
		cfg.Coordinator.Subscribe = v == "true" || v == "1"
	}
	if v := os.Getenv("D2E_SILENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordinator.SilenceTimeout = Duration{d}
		}
	}
	if v := os.Getenv("D2E_TRANSCRIPT_PATH"); v != "" {
		cfg.Transcript.Path = v
	}
	if os.Getenv("D2E_OBSERVER_ENABLED") == "true" || os.Getenv("D2E_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("D2E_MOCK_ADDR"); v != "" {
		cfg.Mock.Addr = v
	}

	return cfg
}

// Validate reports settings the client would reject at runtime.
func (c Config) Validate() error {
	switch d2e.Transport(c.Engine.Transport) {
	case d2e.TransportAuto, d2e.TransportREST, d2e.TransportServerSentEvents:
	default:
		return fmt.Errorf("engine.transport: unknown transport %q", c.Engine.Transport)
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if s := c.Coordinator.SilenceTimeout.Duration; s < 0 || s > time.Minute {
		return fmt.Errorf("coordinator.silence_timeout %v out of range [0s, 1m]", s)
	}
	if c.Retry.Retries < 0 {
		return fmt.Errorf("retry.retries must not be negative")
	}
	return nil
}

// RetryConfig converts the retry section for d2e.WithRetryConfig.
func (c Config) RetryConfig() d2e.RetryConfig {
	return d2e.RetryConfig{
		Factor:     c.Retry.Factor,
		MinTimeout: c.Retry.MinTimeout.Duration,
		MaxTimeout: c.Retry.MaxTimeout.Duration,
		Randomize:  c.Retry.Randomize,
		Retries:    c.Retry.Retries,
	}
}
