package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/convo/internal/identity"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Identity = identity.Identity{UserID: "u1", DisplayName: "Una", Role: identity.Staff}
	cfg.Send.InitialInterval = Duration{time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Identity != cfg.Identity {
		t.Errorf("Identity = %+v, want %+v", loaded.Identity, cfg.Identity)
	}
	if loaded.Send.InitialInterval.Duration != time.Second {
		t.Errorf("Send.InitialInterval = %v, want 1s", loaded.Send.InitialInterval)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_profile = "shop"

[attachments]
max_bytes = 1048576

[send]
max_interval = "2s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Attachments.MaxBytes != 1<<20 {
		t.Errorf("MaxBytes = %d", cfg.Attachments.MaxBytes)
	}
	if cfg.Send.MaxInterval.Duration != 2*time.Second {
		t.Errorf("MaxInterval = %v", cfg.Send.MaxInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Attachments.Backend != "local" || cfg.Send.MaxRetries != 5 {
		t.Errorf("defaults lost: backend=%q retries=%d", cfg.Attachments.Backend, cfg.Send.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[send]\ntimeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ceiling", func(c *Config) { c.Attachments.MaxBytes = 0 }},
		{"unknown backend", func(c *Config) { c.Attachments.Backend = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Attachments.Backend = "s3" }},
		{"unknown feed", func(c *Config) { c.Live.Feed = "kafka" }},
		{"redis without addr", func(c *Config) { c.Live.Feed = "redis"; c.Redis.Addr = "" }},
		{"negative retries", func(c *Config) { c.Send.MaxRetries = -1 }},
		{"bad identity role", func(c *Config) { c.Identity = identity.Identity{UserID: "u", Role: "admin"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
