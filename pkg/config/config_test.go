package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	tmpDir := t.TempDir()

	largeFile := filepath.Join(tmpDir, "large.yaml")
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	err := os.WriteFile(largeFile, []byte(data), 0600)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err = LoadConfig(largeFile)
	if err == nil {
		t.Error("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Provider != "memory" {
		t.Errorf("expected memory provider, got %q", cfg.Store.Provider)
	}
	if cfg.Experiment.WaitingSeconds != 30 || cfg.Experiment.PhaseSeconds != 15 || cfg.Experiment.ChatSeconds != 30 {
		t.Errorf("unexpected timing defaults: %+v", cfg.Experiment)
	}
	if cfg.Experiment.GroupSize != 3 {
		t.Errorf("expected group size 3, got %d", cfg.Experiment.GroupSize)
	}
	if cfg.Experiment.WagerMax != 4 || cfg.Experiment.WagerDefault != 2 {
		t.Errorf("unexpected wager defaults: %+v", cfg.Experiment)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	data := `
server:
  listen_addr: ":9000"
store:
  provider: redis
  redis:
    addr: localhost:6379
content:
  dir: /srv/content
  variants: [control, treatment]
experiment:
  waiting_seconds: 10
  group_size: 3
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen addr not loaded: %q", cfg.Server.ListenAddr)
	}
	if cfg.Store.Provider != "redis" || cfg.Store.Redis.Addr != "localhost:6379" {
		t.Errorf("redis config not loaded: %+v", cfg.Store)
	}
	if len(cfg.Content.Variants) != 2 {
		t.Errorf("variants not loaded: %v", cfg.Content.Variants)
	}
	if cfg.Experiment.WaitingSeconds != 10 {
		t.Errorf("waiting_seconds not loaded: %d", cfg.Experiment.WaitingSeconds)
	}
	// Unset fields still get defaults.
	if cfg.Experiment.PhaseSeconds != 15 {
		t.Errorf("expected default phase_seconds, got %d", cfg.Experiment.PhaseSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config should validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Store.Provider = "dynamo" }, "unknown store provider"},
		{"redis without addr", func(c *Config) { c.Store.Provider = "redis"; c.Store.Redis.Addr = "" }, "redis"},
		{"firestore without project", func(c *Config) { c.Store.Provider = "firestore"; c.Store.Firestore.ProjectID = "" }, "firestore"},
		{"no variants", func(c *Config) { c.Content.Variants = nil }, "variant"},
		{"zero group size", func(c *Config) { c.Experiment.GroupSize = -1 }, "group_size"},
		{"inverted wager range", func(c *Config) { c.Experiment.WagerMin = 5 }, "wager_max"},
		{"default outside range", func(c *Config) { c.Experiment.WagerDefault = 9 }, "wager_default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("")
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got: %v", tt.want, err)
			}
		})
	}
}
