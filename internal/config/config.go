// Package config loads server configuration from a YAML file and
// SCRIPTSYNC_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// ScriptsDir holds the catalog's script JSON files.
	ScriptsDir string `mapstructure:"scripts_dir"`

	// Port for the combined websocket + REST listener.
	Port int `mapstructure:"port"`

	// AuthSecret signs session tokens. Required unless anonymous-only.
	AuthSecret string `mapstructure:"auth_secret"`

	// AllowAnonymous admits websocket viewers without a token.
	AllowAnonymous bool `mapstructure:"allow_anonymous"`

	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Align     AlignConfig     `mapstructure:"align"`
	Log       LogConfig       `mapstructure:"log"`
}

// HeartbeatConfig tunes the gateway's ping/pong cycle.
type HeartbeatConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	MaxMissedPongs int           `mapstructure:"max_missed_pongs"`
}

// AlignConfig tunes the alignment heuristic.
type AlignConfig struct {
	SnapTolerance            float64 `mapstructure:"snap_tolerance"`
	BaseConfidence           float64 `mapstructure:"base_confidence"`
	DistancePenaltyPerSecond float64 `mapstructure:"distance_penalty_per_second"`
	ShortSentenceSecs        float64 `mapstructure:"short_sentence_secs"`
	ShortSentencePenalty     float64 `mapstructure:"short_sentence_penalty"`
	FallbackConfidence       float64 `mapstructure:"fallback_confidence"`
}

// LogConfig controls rotating file output. An empty File logs to
// stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration. path may be empty, in which case only
// defaults, a scriptsync.yaml in the working directory, and environment
// variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "scriptsync.db")
	v.SetDefault("scripts_dir", "scripts")
	v.SetDefault("port", 8080)
	v.SetDefault("allow_anonymous", true)
	v.SetDefault("heartbeat.ping_interval", 30*time.Second)
	v.SetDefault("heartbeat.pong_timeout", 5*time.Second)
	v.SetDefault("heartbeat.max_missed_pongs", 2)
	v.SetDefault("align.snap_tolerance", 0.75)
	v.SetDefault("align.base_confidence", 0.9)
	v.SetDefault("align.distance_penalty_per_second", 0.3)
	v.SetDefault("align.short_sentence_secs", 1.5)
	v.SetDefault("align.short_sentence_penalty", 0.25)
	v.SetDefault("align.fallback_confidence", 0.3)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("SCRIPTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("scriptsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Heartbeat.PingInterval <= 0 {
		return fmt.Errorf("heartbeat.ping_interval must be positive")
	}
	if c.Heartbeat.PongTimeout <= 0 {
		return fmt.Errorf("heartbeat.pong_timeout must be positive")
	}
	if c.Heartbeat.MaxMissedPongs < 1 {
		return fmt.Errorf("heartbeat.max_missed_pongs must be at least 1")
	}
	if !c.AllowAnonymous && c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required when allow_anonymous is false")
	}
	return nil
}
