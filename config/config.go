package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/copytrader/api"
	"github.com/rustyeddy/copytrader/broker/oanda"
	"github.com/rustyeddy/copytrader/copier"
	"github.com/rustyeddy/copytrader/pkg/logger"
	"github.com/rustyeddy/copytrader/risk"
	"github.com/rustyeddy/copytrader/stream"
)

// EnvDatabasePath overrides database.path when set.
const EnvDatabasePath = "COPYTRADER_DB"

// Config represents the complete copier configuration
type Config struct {
	Database DatabaseConfig `json:"database" yaml:"database"`
	Log      LogConfig      `json:"log" yaml:"log"`
	OANDA    OANDAConfig    `json:"oanda" yaml:"oanda"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Poll     PollConfig     `json:"poll" yaml:"poll"`
	Scaling  ScalingConfig  `json:"scaling" yaml:"scaling"`
	API      APIConfig      `json:"api" yaml:"api"`
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
	JSON       bool   `json:"json,omitempty" yaml:"json,omitempty"`
}

// OANDAConfig overrides the public hosts, mostly for testing against a
// local server.
type OANDAConfig struct {
	PracticeURL       string `json:"practice_url,omitempty" yaml:"practice_url,omitempty"`
	LiveURL           string `json:"live_url,omitempty" yaml:"live_url,omitempty"`
	PracticeStreamURL string `json:"practice_stream_url,omitempty" yaml:"practice_stream_url,omitempty"`
	LiveStreamURL     string `json:"live_stream_url,omitempty" yaml:"live_stream_url,omitempty"`
	RetryCount        int    `json:"retry_count" yaml:"retry_count"`
}

// StreamConfig contains streaming parameters. Durations are strings such as
// "1s" or "2m".
type StreamConfig struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	BaseDelay              string `json:"base_delay" yaml:"base_delay"`
	MaxDelay               string `json:"max_delay" yaml:"max_delay"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	HeartbeatTimeout       string `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxFrameBytes          int    `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	FallbackInterval       string `json:"fallback_interval" yaml:"fallback_interval"`
}

type PollConfig struct {
	Interval       string `json:"interval" yaml:"interval"`
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout"`
}

// ScalingConfig bounds the dynamic scale factor.
type ScalingConfig struct {
	DynamicMin float64 `json:"dynamic_min" yaml:"dynamic_min"`
	DynamicMax float64 `json:"dynamic_max" yaml:"dynamic_max"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// LoadFromFile loads configuration from a file (YAML, or JSON as fallback).
// Missing fields take their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDatabasePath)); v != "" {
		c.Database.Path = v
	}
}

// SaveToFile saves configuration to a file (YAML for .yaml/.yml, else JSON)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func positiveDuration(name, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	durations := []struct{ name, value string }{
		{"stream.base_delay", c.Stream.BaseDelay},
		{"stream.max_delay", c.Stream.MaxDelay},
		{"stream.heartbeat_timeout", c.Stream.HeartbeatTimeout},
		{"stream.fallback_interval", c.Stream.FallbackInterval},
		{"poll.interval", c.Poll.Interval},
		{"poll.request_timeout", c.Poll.RequestTimeout},
	}
	for _, d := range durations {
		if _, err := positiveDuration(d.name, d.value); err != nil {
			return err
		}
	}
	if mustDuration(c.Stream.MaxDelay) < mustDuration(c.Stream.BaseDelay) {
		return fmt.Errorf("stream.max_delay must not be less than stream.base_delay")
	}
	if c.Stream.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("stream.max_consecutive_failures must be positive")
	}
	if c.Stream.MaxFrameBytes <= 0 {
		return fmt.Errorf("stream.max_frame_bytes must be positive")
	}

	if c.Scaling.DynamicMin <= 0 || c.Scaling.DynamicMax <= 0 {
		return fmt.Errorf("scaling bounds must be positive")
	}
	if c.Scaling.DynamicMin > c.Scaling.DynamicMax {
		return fmt.Errorf("scaling.dynamic_min must not exceed scaling.dynamic_max")
	}

	if c.OANDA.RetryCount < 0 {
		return fmt.Errorf("oanda.retry_count must not be negative")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./copytrader.db"},
		Log:      LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 28},
		OANDA:    OANDAConfig{RetryCount: 2},
		Stream: StreamConfig{
			Enabled:                true,
			BaseDelay:              "1s",
			MaxDelay:               "60s",
			MaxConsecutiveFailures: 5,
			HeartbeatTimeout:       "30s",
			MaxFrameBytes:          stream.DefaultMaxFrameBytes,
			FallbackInterval:       "10s",
		},
		Poll: PollConfig{
			Interval:       "30s",
			RequestTimeout: "15s",
		},
		Scaling: ScalingConfig{
			DynamicMin: risk.DefaultDynamicMin,
			DynamicMax: risk.DefaultDynamicMax,
		},
		API: APIConfig{Enabled: true, Listen: "127.0.0.1:8080"},
	}
}

// mustDuration is only called on validated configs.
func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		OutputFile: c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		JSON:       c.Log.JSON,
	}
}

func (c *Config) OANDAOptions() oanda.Options {
	return oanda.Options{
		PracticeURL:       c.OANDA.PracticeURL,
		LiveURL:           c.OANDA.LiveURL,
		PracticeStreamURL: c.OANDA.PracticeStreamURL,
		LiveStreamURL:     c.OANDA.LiveStreamURL,
		RequestTimeout:    mustDuration(c.Poll.RequestTimeout),
		RetryCount:        c.OANDA.RetryCount,
	}
}

func (c *Config) StreamManager() stream.ManagerConfig {
	return stream.ManagerConfig{
		Client: stream.Config{
			BaseDelay:              mustDuration(c.Stream.BaseDelay),
			MaxDelay:               mustDuration(c.Stream.MaxDelay),
			MaxConsecutiveFailures: c.Stream.MaxConsecutiveFailures,
			HeartbeatTimeout:       mustDuration(c.Stream.HeartbeatTimeout),
			MaxFrameBytes:          c.Stream.MaxFrameBytes,
		},
		FallbackInterval: mustDuration(c.Stream.FallbackInterval),
	}
}

func (c *Config) Engine() copier.Config {
	return copier.Config{
		PollInterval:   mustDuration(c.Poll.Interval),
		RequestTimeout: mustDuration(c.Poll.RequestTimeout),
	}
}

func (c *Config) APIServer() api.Config {
	return api.Config{Listen: c.API.Listen}
}
