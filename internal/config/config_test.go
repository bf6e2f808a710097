package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaultsMatchDocumentedValues(t *testing.T) {
	cfg := Default()

	if cfg.Detection.SuspiciousThreshold != 0.75 {
		t.Errorf("expected suspicious threshold 0.75, got %v", cfg.Detection.SuspiciousThreshold)
	}
	if cfg.Detection.BanThreshold != 0.9 {
		t.Errorf("expected ban threshold 0.9, got %v", cfg.Detection.BanThreshold)
	}
	if cfg.Detection.WindowSize != 100 {
		t.Errorf("expected window 100, got %d", cfg.Detection.WindowSize)
	}
	if cfg.Detection.ProfileTTL != 24*time.Hour {
		t.Errorf("expected profile ttl 24h, got %v", cfg.Detection.ProfileTTL)
	}
	if cfg.Challenge.TTL != 5*time.Minute {
		t.Errorf("expected challenge ttl 5m, got %v", cfg.Challenge.TTL)
	}
	if cfg.Detection.BaseBanDuration != 10*time.Minute {
		t.Errorf("expected base ban 10m, got %v", cfg.Detection.BaseBanDuration)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scrapeguard.yaml")
	yamlData := `
server:
  addr: ":8080"
  redis_url: "redis://localhost:6379/0"
detection:
  ban_threshold: 0.95
  window_size: 50
  profile_ttl: 12h
challenge:
  honeypot_fields: ["website"]
access:
  whitelist: ["10.0.0.0/8"]
`
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WINDOW_SIZE", "64")
	t.Setenv("EXCLUDED_PATHS", "/static/, /health ,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected addr from yaml, got %q", cfg.Server.Addr)
	}
	if cfg.Server.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected redis url from yaml, got %q", cfg.Server.RedisURL)
	}
	if cfg.Detection.BanThreshold != 0.95 {
		t.Errorf("expected ban threshold 0.95, got %v", cfg.Detection.BanThreshold)
	}
	if cfg.Detection.ProfileTTL != 12*time.Hour {
		t.Errorf("expected 12h ttl, got %v", cfg.Detection.ProfileTTL)
	}
	if cfg.Detection.WindowSize != 64 {
		t.Errorf("expected env to override window size, got %d", cfg.Detection.WindowSize)
	}
	if len(cfg.Access.ExcludedPaths) != 2 || cfg.Access.ExcludedPaths[1] != "/health" {
		t.Errorf("unexpected excluded paths %v", cfg.Access.ExcludedPaths)
	}
	if cfg.Detection.SuspiciousThreshold != 0.75 {
		t.Errorf("expected untouched default, got %v", cfg.Detection.SuspiciousThreshold)
	}
}

func TestLoadPortCompatibility(t *testing.T) {
	t.Setenv("SCRAPEGUARD_CONFIG", "")
	t.Setenv("PORT", "4000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":4000" {
		t.Errorf("expected :4000, got %q", cfg.Server.Addr)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "suspicious above ban",
			mutate: func(c *Config) { c.Detection.SuspiciousThreshold = 0.95 },
			want:   "below detection.ban_threshold",
		},
		{
			name:   "ban threshold out of range",
			mutate: func(c *Config) { c.Detection.BanThreshold = 1.5 },
			want:   "ban_threshold must be in (0,1]",
		},
		{
			name:   "zero window",
			mutate: func(c *Config) { c.Detection.WindowSize = 0 },
			want:   "window_size must be positive",
		},
		{
			name:   "empty honeypot pool",
			mutate: func(c *Config) { c.Challenge.HoneypotFields = nil },
			want:   "honeypot_fields must not be empty",
		},
		{
			name:   "negative weight",
			mutate: func(c *Config) { c.Weights.Rest = -0.2 },
			want:   "weights.rest must be in [0,1]",
		},
		{
			name:   "weights increase with rank",
			mutate: func(c *Config) { c.Weights.Second = 0.7 },
			want:   "top >= second >= rest",
		},
		{
			name:   "pair weights inverted",
			mutate: func(c *Config) { c.Weights.PairSecond = 0.8 },
			want:   "pair_top must not be below",
		},
		{
			name:   "fast mean not below moderate",
			mutate: func(c *Config) { c.Thresholds.FastMean = 1.0 },
			want:   "fast_mean < moderate_mean < slow_mean",
		},
		{
			name:   "stddev bands inverted",
			mutate: func(c *Config) { c.Thresholds.RegularStdDev = 0.6 },
			want:   "regular_stddev must be below",
		},
		{
			name:   "zero entropy threshold",
			mutate: func(c *Config) { c.Thresholds.EntropyThreshold = 0 },
			want:   "entropy_threshold must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsBadWeightsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrapeguard.yaml")
	yamlData := `
weights:
  top: -0.5
thresholds:
  fast_mean: 2.0
`
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"weights.top", "fast_mean < moderate_mean"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestOptionalSignalsDefaultOff(t *testing.T) {
	cfg := Default()
	if cfg.Detection.HeaderSignals || cfg.Detection.DatacenterSignals {
		t.Fatal("optional extractors must be off by default")
	}

	t.Setenv("SCRAPEGUARD_CONFIG", "")
	t.Setenv("HEADER_SIGNALS", "true")
	t.Setenv("DATACENTER_SIGNALS", "1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Detection.HeaderSignals || !cfg.Detection.DatacenterSignals {
		t.Error("expected env to enable optional extractors")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
