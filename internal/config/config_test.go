package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Heartbeat.PingInterval != 30*time.Second {
		t.Errorf("ping_interval = %s, want 30s", cfg.Heartbeat.PingInterval)
	}
	if cfg.Heartbeat.MaxMissedPongs != 2 {
		t.Errorf("max_missed_pongs = %d, want 2", cfg.Heartbeat.MaxMissedPongs)
	}
	if cfg.Align.FallbackConfidence != 0.3 {
		t.Errorf("fallback_confidence = %g, want 0.3", cfg.Align.FallbackConfidence)
	}
	if !cfg.AllowAnonymous {
		t.Error("allow_anonymous should default to true")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptsync.yaml")
	yaml := `
port: 9191
db_path: /tmp/custom.db
heartbeat:
  ping_interval: 10s
  pong_timeout: 2s
align:
  snap_tolerance: 1.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Port)
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.Heartbeat.PingInterval != 10*time.Second {
		t.Errorf("ping_interval = %s, want 10s", cfg.Heartbeat.PingInterval)
	}
	if cfg.Align.SnapTolerance != 1.5 {
		t.Errorf("snap_tolerance = %g, want 1.5", cfg.Align.SnapTolerance)
	}
	// Unset fields keep their defaults.
	if cfg.Heartbeat.MaxMissedPongs != 2 {
		t.Errorf("max_missed_pongs = %d, want default 2", cfg.Heartbeat.MaxMissedPongs)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "zero ping interval", mutate: func(c *Config) { c.Heartbeat.PingInterval = 0 }, wantErr: true},
		{name: "zero missed pongs", mutate: func(c *Config) { c.Heartbeat.MaxMissedPongs = 0 }, wantErr: true},
		{
			name:    "auth required without secret",
			mutate:  func(c *Config) { c.AllowAnonymous = false; c.AuthSecret = "" },
			wantErr: true,
		},
		{
			name:   "auth required with secret",
			mutate: func(c *Config) { c.AllowAnonymous = false; c.AuthSecret = "s3cret" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
