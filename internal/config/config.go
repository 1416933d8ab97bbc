// Package config loads taskswitch settings from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/taskswitch/internal/api"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/participant"
)

// Config holds all taskswitch configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Store    StoreConfig   `yaml:"store"`
	Timing   TimingConfig  `yaml:"timing"`
	Session  engine.Config `yaml:"session"`
	Speed    float64       `yaml:"speed"` // 1.0 = real time
	Seed     uint64        `yaml:"seed"`  // 0 = crypto randomness
	LogLevel string        `yaml:"log_level"`

	// Simulated participant used by the simulate command.
	Participant participant.Params `yaml:"participant"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	ControlKey  string   `yaml:"control_key"` // bearer token for control endpoints; empty = open
	CORSOrigins []string `yaml:"cors_origins"`
	// Responses allowed per client per minute.
	ResponseRate int `yaml:"response_rate"`
	// Reverse proxies (addresses or CIDRs) allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TimingConfig holds phase durations in milliseconds.
type TimingConfig struct {
	FixationMs    int `yaml:"fixation_ms"`
	FeedbackMs    int `yaml:"feedback_ms"`
	ITIMs         int `yaml:"iti_ms"`
	BlockSwitchMs int `yaml:"block_switch_ms"`
	MinRTMs       int `yaml:"min_rt_ms"`
}

// Engine converts the millisecond settings into engine timing.
func (t TimingConfig) Engine() engine.Timing {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return engine.Timing{
		Fixation:    ms(t.FixationMs),
		Feedback:    ms(t.FeedbackMs),
		ITI:         ms(t.ITIMs),
		BlockSwitch: ms(t.BlockSwitchMs),
		MinRT:       ms(t.MinRTMs),
	}
}

// DefaultConfig returns the standard task settings.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ResponseRate: 600,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "data/taskswitch.db",
		},
		Timing: TimingConfig{
			FixationMs:    600,
			FeedbackMs:    800,
			ITIMs:         1200,
			BlockSwitchMs: 2000,
			MinRTMs:       150,
		},
		Session:     engine.DefaultConfig(),
		Speed:       1,
		LogLevel:    "info",
		Participant: participant.DefaultParams(),
	}
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment variables override file values either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASKSWITCH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("TASKSWITCH_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TASKSWITCH_CONTROL_KEY"); v != "" {
		c.Server.ControlKey = v
	}
	if v := os.Getenv("TASKSWITCH_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Seed = n
		}
	}
	if v := os.Getenv("TASKSWITCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if env := os.Getenv("TASKSWITCH_TRUSTED_PROXIES"); env != "" {
		c.Server.TrustedProxies = nil
		for _, proxy := range strings.Split(env, ",") {
			proxy = strings.TrimSpace(proxy)
			if proxy != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, proxy)
			}
		}
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				c.Server.CORSOrigins = append(c.Server.CORSOrigins, origin)
			}
		}
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.ResponseRate <= 0 {
		errs = append(errs, fmt.Errorf("server.response_rate must be positive"))
	}
	if _, err := api.ParseProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required when the store is enabled"))
	}
	t := c.Timing
	for name, v := range map[string]int{
		"fixation_ms": t.FixationMs, "feedback_ms": t.FeedbackMs, "iti_ms": t.ITIMs,
		"block_switch_ms": t.BlockSwitchMs, "min_rt_ms": t.MinRTMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("timing.%s must not be negative", name))
		}
	}
	if c.Speed <= 0 || c.Speed > 1000 {
		errs = append(errs, fmt.Errorf("speed must be in (0, 1000]"))
	}
	p := c.Participant
	if p.Lapse < 0 || p.Lapse > 1 {
		errs = append(errs, fmt.Errorf("participant.lapse must be in [0, 1]"))
	}
	if p.Hazard < 0 || p.Hazard >= 1 {
		errs = append(errs, fmt.Errorf("participant.hazard must be in [0, 1)"))
	}
	if p.Reliable <= 0.5 || p.Reliable >= 1 {
		errs = append(errs, fmt.Errorf("participant.reliable must be in (0.5, 1)"))
	}
	if p.DriftAmp < 0 || p.DriftAmp > 1 {
		errs = append(errs, fmt.Errorf("participant.drift_amp must be in [0, 1]"))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
