// Package config loads scrapeguard settings from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Detection  DetectionConfig  `yaml:"detection"`
	Challenge  ChallengeConfig  `yaml:"challenge"`
	Access     AccessConfig     `yaml:"access"`
	Weights    WeightsConfig    `yaml:"weights"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	TrustProxy     bool          `yaml:"trust_proxy"`
	UpstreamURL    string        `yaml:"upstream_url"` // empty serves the built-in demo site
	RedisURL       string        `yaml:"redis_url"`    // empty uses the in-memory store
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

type DetectionConfig struct {
	SuspiciousThreshold float64       `yaml:"suspicious_threshold"`
	BanThreshold        float64       `yaml:"ban_threshold"`
	BaseBanDuration     time.Duration `yaml:"base_ban_duration"`
	WindowSize          int           `yaml:"window_size"`
	ProfileTTL          time.Duration `yaml:"profile_ttl"`

	// Opt-in extractors; off by default so stock scores are unaffected.
	HeaderSignals     bool `yaml:"header_signals"`
	DatacenterSignals bool `yaml:"datacenter_signals"`
}

type ChallengeConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	CaptchaLength  int           `yaml:"captcha_length"`
	HoneypotFields []string      `yaml:"honeypot_fields"`
	IssueRate      float64       `yaml:"issue_rate"` // tokens per second per identity
	IssueBurst     int           `yaml:"issue_burst"`
}

type AccessConfig struct {
	ExcludedPaths   []string      `yaml:"excluded_paths"`
	Whitelist       []string      `yaml:"whitelist"` // IPs or CIDRs
	HighValuePaths  []string      `yaml:"high_value_paths"`
	DisclosureDelay time.Duration `yaml:"disclosure_delay"`
}

// WeightsConfig holds the rank-combination constants of the aggregator.
type WeightsConfig struct {
	Top        float64 `yaml:"top"`
	Second     float64 `yaml:"second"`
	Rest       float64 `yaml:"rest"`
	PairTop    float64 `yaml:"pair_top"`
	PairSecond float64 `yaml:"pair_second"`
	Default    float64 `yaml:"default"`
	History    float64 `yaml:"history"`
}

// ThresholdsConfig holds the extractor tuning values.
type ThresholdsConfig struct {
	FastMean         float64 `yaml:"fast_mean"`
	ModerateMean     float64 `yaml:"moderate_mean"`
	SlowMean         float64 `yaml:"slow_mean"`
	RegularStdDev    float64 `yaml:"regular_stddev"`
	LowStdDev        float64 `yaml:"low_stddev"`
	EntropyThreshold float64 `yaml:"entropy_threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":3000",
			StoreTimeout:   250 * time.Millisecond,
			MetricsEnabled: true,
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Detection: DetectionConfig{
			SuspiciousThreshold: 0.75,
			BanThreshold:        0.9,
			BaseBanDuration:     10 * time.Minute,
			WindowSize:          100,
			ProfileTTL:          24 * time.Hour,
		},
		Challenge: ChallengeConfig{
			TTL:            5 * time.Minute,
			CaptchaLength:  6,
			HoneypotFields: []string{"website", "url", "homepage", "company_site", "fax_number", "middle_name"},
			IssueRate:      0.5,
			IssueBurst:     5,
		},
		Access: AccessConfig{
			ExcludedPaths: []string{
				"/static/", "/assets/", "/_next/", "/favicon.ico", "/robots.txt",
				"/health", "/metrics", "/api/challenge/", "/api/activity",
			},
			HighValuePaths:  []string{"/pricing", "/api/contact"},
			DisclosureDelay: 2 * time.Second,
		},
		Weights: WeightsConfig{
			Top:        0.5,
			Second:     0.3,
			Rest:       0.2,
			PairTop:    0.6,
			PairSecond: 0.4,
			Default:    0.1,
			History:    0.3,
		},
		Thresholds: ThresholdsConfig{
			FastMean:         0.2,
			ModerateMean:     1.0,
			SlowMean:         3.0,
			RegularStdDev:    0.1,
			LowStdDev:        0.5,
			EntropyThreshold: 3.2,
		},
	}
}

// Load builds the configuration. path may be empty; SCRAPEGUARD_CONFIG is
// consulted in that case.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SCRAPEGUARD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// PORT and REDIS_URL are kept for compatibility with the captcha server.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Server.Addr = getOr("SCRAPEGUARD_ADDR", cfg.Server.Addr)
	cfg.Server.RedisURL = getOr("REDIS_URL", cfg.Server.RedisURL)
	cfg.Server.UpstreamURL = getOr("UPSTREAM_URL", cfg.Server.UpstreamURL)
	cfg.Server.TrustProxy = getBool("TRUST_PROXY", cfg.Server.TrustProxy)
	cfg.Server.StoreTimeout = getDuration("STORE_TIMEOUT", cfg.Server.StoreTimeout)
	cfg.Server.MetricsEnabled = getBool("METRICS_ENABLED", cfg.Server.MetricsEnabled)

	cfg.Log.Level = getOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSON = getBool("LOG_JSON", cfg.Log.JSON)
	cfg.Log.File = getOr("LOG_FILE", cfg.Log.File)

	cfg.Detection.SuspiciousThreshold = getFloat("SUSPICIOUS_THRESHOLD", cfg.Detection.SuspiciousThreshold)
	cfg.Detection.BanThreshold = getFloat("BAN_THRESHOLD", cfg.Detection.BanThreshold)
	cfg.Detection.BaseBanDuration = getDuration("BASE_BAN_DURATION", cfg.Detection.BaseBanDuration)
	cfg.Detection.WindowSize = getInt("WINDOW_SIZE", cfg.Detection.WindowSize)
	cfg.Detection.ProfileTTL = getDuration("PROFILE_TTL", cfg.Detection.ProfileTTL)
	cfg.Detection.HeaderSignals = getBool("HEADER_SIGNALS", cfg.Detection.HeaderSignals)
	cfg.Detection.DatacenterSignals = getBool("DATACENTER_SIGNALS", cfg.Detection.DatacenterSignals)

	cfg.Challenge.TTL = getDuration("CHALLENGE_TTL", cfg.Challenge.TTL)
	cfg.Challenge.CaptchaLength = getInt("CHALLENGE_DIFFICULTY", cfg.Challenge.CaptchaLength)
	cfg.Challenge.HoneypotFields = getStringSlice("HONEYPOT_FIELDS", cfg.Challenge.HoneypotFields)

	cfg.Access.ExcludedPaths = getStringSlice("EXCLUDED_PATHS", cfg.Access.ExcludedPaths)
	cfg.Access.Whitelist = getStringSlice("WHITELIST", cfg.Access.Whitelist)
	cfg.Access.HighValuePaths = getStringSlice("HIGH_VALUE_PATHS", cfg.Access.HighValuePaths)
	cfg.Access.DisclosureDelay = getDuration("DISCLOSURE_DELAY", cfg.Access.DisclosureDelay)

	cfg.Thresholds.EntropyThreshold = getFloat("ENTROPY_THRESHOLD", cfg.Thresholds.EntropyThreshold)
}

// Validate checks value ranges that would otherwise make the engine
// misbehave silently.
func (c Config) Validate() error {
	var errs []error

	d := c.Detection
	if d.SuspiciousThreshold <= 0 || d.SuspiciousThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.suspicious_threshold must be in (0,1], got %v", d.SuspiciousThreshold))
	}
	if d.BanThreshold <= 0 || d.BanThreshold > 1 {
		errs = append(errs, fmt.Errorf("detection.ban_threshold must be in (0,1], got %v", d.BanThreshold))
	}
	if d.SuspiciousThreshold >= d.BanThreshold {
		errs = append(errs, errors.New("detection.suspicious_threshold must be below detection.ban_threshold"))
	}
	if d.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("detection.window_size must be positive, got %d", d.WindowSize))
	}
	if d.ProfileTTL <= 0 {
		errs = append(errs, errors.New("detection.profile_ttl must be positive"))
	}
	if d.BaseBanDuration <= 0 {
		errs = append(errs, errors.New("detection.base_ban_duration must be positive"))
	}
	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge.ttl must be positive"))
	}
	if c.Challenge.CaptchaLength <= 0 {
		errs = append(errs, errors.New("challenge.captcha_length must be positive"))
	}
	if len(c.Challenge.HoneypotFields) == 0 {
		errs = append(errs, errors.New("challenge.honeypot_fields must not be empty"))
	}
	errs = append(errs, c.Weights.validate()...)
	errs = append(errs, c.Thresholds.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (w WeightsConfig) validate() []error {
	var errs []error
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"top", w.Top}, {"second", w.Second}, {"rest", w.Rest},
		{"pair_top", w.PairTop}, {"pair_second", w.PairSecond},
		{"default", w.Default}, {"history", w.History},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("weights.%s must be in [0,1], got %v", f.name, f.v))
		}
	}
	if w.Top < w.Second || w.Second < w.Rest {
		errs = append(errs, errors.New("weights must not increase with rank: top >= second >= rest"))
	}
	if w.PairTop < w.PairSecond {
		errs = append(errs, errors.New("weights.pair_top must not be below weights.pair_second"))
	}
	return errs
}

func (t ThresholdsConfig) validate() []error {
	var errs []error
	if t.FastMean <= 0 {
		errs = append(errs, fmt.Errorf("thresholds.fast_mean must be positive, got %v", t.FastMean))
	}
	if t.FastMean >= t.ModerateMean || t.ModerateMean >= t.SlowMean {
		errs = append(errs, errors.New("thresholds must satisfy fast_mean < moderate_mean < slow_mean"))
	}
	if t.RegularStdDev <= 0 {
		errs = append(errs, fmt.Errorf("thresholds.regular_stddev must be positive, got %v", t.RegularStdDev))
	}
	if t.RegularStdDev >= t.LowStdDev {
		errs = append(errs, errors.New("thresholds.regular_stddev must be below thresholds.low_stddev"))
	}
	if t.EntropyThreshold <= 0 {
		errs = append(errs, errors.New("thresholds.entropy_threshold must be positive"))
	}
	return errs
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getStringSlice(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
