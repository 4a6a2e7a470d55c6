package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Log mirrors the teacher's logging configuration block.
type Log struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// IngressRateLimit bounds the per-session frame rate the ingress decoder
// enforces ahead of lane admission (the WAF-style counter adapted from the
// teacher's controller/server.go).
type IngressRateLimit struct {
	MaxFramesPerWindow int `json:"max_frames_per_window"`
	WindowSeconds      int `json:"window_seconds"`
}

// Consensus holds the provisional-emission tuning constants spec.md §4.4
// fixes at 0.66 / 700ms / 0.05; kept configurable the way the teacher keeps
// per-rule timeouts configurable, defaulting to the spec's literals.
type Consensus struct {
	ProvisionalThreshold  float64 `json:"provisional_threshold"`
	ProvisionalDeadlineMs uint64  `json:"provisional_deadline_ms"`
	DowngradeMargin       float64 `json:"downgrade_margin"`
	ProvisionalExpiryMs   uint64  `json:"provisional_expiry_ms"`
}

// projectConfig is the top-level settings document.
type projectConfig struct {
	Log              Log              `json:"log"`
	Listen           string           `json:"listen"`
	AdapterEndpoints []string         `json:"adapter_endpoints"`
	PolicyURL        string           `json:"opa_url"`
	MaxFragmentBytes int              `json:"max_fragment_bytes"`
	IngressRateLimit IngressRateLimit `json:"ingress_rate_limit"`
	Consensus        Consensus        `json:"consensus"`
}

// GlobalCfg points at the globally effective configuration.
var GlobalCfg *projectConfig

func init() {
	path := os.Getenv("ATP_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	cfg, err := load(path)
	if err != nil {
		fmt.Printf("failed to load settings, using defaults: %s\n", err.Error())
		cfg = defaults()
	}
	applyEnvOverrides(cfg)
	cfg.verify()
	GlobalCfg = cfg
}

// Reload reads settings from path, applies environment overrides and
// validation, and replaces GlobalCfg.
func Reload(path string) error {
	cfg, err := load(path)
	if err != nil {
		return err
	}
	applyEnvOverrides(cfg)
	cfg.verify()
	GlobalCfg = cfg
	return nil
}

func load(path string) (*projectConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() *projectConfig {
	return &projectConfig{
		Log: Log{Level: "info", Path: "router.log"},
	}
}

// applyEnvOverrides lets ADAPTER_ENDPOINTS / OPA_URL / ATP_LOG_LEVEL override
// whatever the settings file specified, matching spec.md §6's configuration
// surface.
func applyEnvOverrides(cfg *projectConfig) {
	if v := os.Getenv("ADAPTER_ENDPOINTS"); v != "" {
		var eps []string
		if err := json.Unmarshal([]byte(v), &eps); err == nil {
			cfg.AdapterEndpoints = eps
		}
	}
	if v := os.Getenv("OPA_URL"); v != "" {
		cfg.PolicyURL = v
	}
	if v := os.Getenv("ATP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// verify fills in defaults for every missing or non-positive field. It
// never fails startup and logs nothing.
func (c *projectConfig) verify() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:7443"
	}
	if len(c.AdapterEndpoints) == 0 {
		c.AdapterEndpoints = []string{
			"quic://persona-adapter:7070",
			"quic://ollama-adapter:7070",
		}
	}
	if c.MaxFragmentBytes <= 0 {
		c.MaxFragmentBytes = 8 * 1024
	}
	if c.IngressRateLimit.MaxFramesPerWindow <= 0 {
		c.IngressRateLimit.MaxFramesPerWindow = 200
	}
	if c.IngressRateLimit.WindowSeconds <= 0 {
		c.IngressRateLimit.WindowSeconds = 30
	}
	if c.Consensus.ProvisionalThreshold <= 0 {
		c.Consensus.ProvisionalThreshold = 0.66
	}
	if c.Consensus.ProvisionalDeadlineMs <= 0 {
		c.Consensus.ProvisionalDeadlineMs = 700
	}
	if c.Consensus.DowngradeMargin <= 0 {
		c.Consensus.DowngradeMargin = 0.05
	}
	if c.Consensus.ProvisionalExpiryMs <= 0 {
		c.Consensus.ProvisionalExpiryMs = 1500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Path == "" {
		c.Log.Path = "router.log"
	}
}
