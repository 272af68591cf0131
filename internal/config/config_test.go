package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "http://localhost:8080/api"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("expected default port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.AircraftIntervalSecs != 5 {
		t.Errorf("expected default aircraft interval 5, got %d", cfg.Upstream.AircraftIntervalSecs)
	}
	if cfg.Alerts.ResolveAfterMisses != 1 {
		t.Errorf("expected default resolve_after_misses 1, got %d", cfg.Alerts.ResolveAfterMisses)
	}
	if cfg.Storage.SQLiteBasePath != "data" {
		t.Errorf("expected default sqlite base path, got %q", cfg.Storage.SQLiteBasePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[upstream]
base_url = "https://radar.example.net/api"
bearer_token = "secret"
aircraft_interval_seconds = 2

[radar]
latitude = 33.3675
longitude = -7.5898
sector_radius_km = 50.0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Upstream.AircraftIntervalSecs != 2 {
		t.Errorf("expected aircraft interval 2, got %d", cfg.Upstream.AircraftIntervalSecs)
	}
	if cfg.Radar.SectorRadiusKm != 50 {
		t.Errorf("expected sector radius 50, got %f", cfg.Radar.SectorRadiusKm)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Upstream.BaseURL = "" }},
		{"non-http base url", func(c *Config) { c.Upstream.BaseURL = "ftp://radar" }},
		{"non-ws stream url", func(c *Config) { c.Stream.URL = "http://radar/ws" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad latitude", func(c *Config) { c.Radar.Latitude = 91 }},
		{"zero resolve window", func(c *Config) { c.Alerts.ResolveAfterMisses = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.Upstream.BaseURL = "http://localhost:8080/api"
			cfg.applyDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadWithFallbackPrefersExplicitPath(t *testing.T) {
	path := writeConfig(t, `
[upstream]
base_url = "http://localhost:8080/api"
`)

	cfg, err := LoadWithFallback(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Upstream.BaseURL != "http://localhost:8080/api" {
		t.Errorf("unexpected base url: %q", cfg.Upstream.BaseURL)
	}
}
