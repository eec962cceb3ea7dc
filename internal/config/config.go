package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the fully processed relay configuration.
type Config struct {
	ListenAddr      string
	LogLevel        string
	UserAgent       string
	FetchTimeout    time.Duration
	RefreshInterval time.Duration
	SegmentRetries  int
	RefreshRetries  int
	// BitrateExprs, CodecRegexs and LangRegexs narrow track selection
	// before the max-bandwidth pick; empty means accept everything.
	BitrateExprs []string
	CodecRegexs  []string
	LangRegexs   []string
}

// rawConfig maps directly onto the JSON file; durations arrive as strings
// like "10s" and are validated during processing.
type rawConfig struct {
	ListenAddr      string   `json:"ListenAddr"`
	LogLevel        string   `json:"LogLevel"`
	UserAgent       string   `json:"UserAgent"`
	FetchTimeout    string   `json:"FetchTimeout"`
	RefreshInterval string   `json:"RefreshInterval"`
	SegmentRetries  int      `json:"SegmentRetries"`
	RefreshRetries  int      `json:"RefreshRetries"`
	BitrateExprs    []string `json:"BitrateExprs"`
	CodecRegexs     []string `json:"CodecRegexs"`
	LangRegexs      []string `json:"LangRegexs"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		FetchTimeout:    10 * time.Second,
		RefreshInterval: 5 * time.Second,
		SegmentRetries:  3,
		RefreshRetries:  3,
	}
}

// Load reads and parses the configuration file at path, layering it over
// the defaults. Unset fields keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	cfg := Default()
	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	cfg.UserAgent = raw.UserAgent
	if raw.SegmentRetries > 0 {
		cfg.SegmentRetries = raw.SegmentRetries
	}
	if raw.RefreshRetries > 0 {
		cfg.RefreshRetries = raw.RefreshRetries
	}
	cfg.BitrateExprs = raw.BitrateExprs
	cfg.CodecRegexs = raw.CodecRegexs
	cfg.LangRegexs = raw.LangRegexs

	if raw.FetchTimeout != "" {
		d, err := time.ParseDuration(raw.FetchTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid FetchTimeout %q: %w", raw.FetchTimeout, err)
		}
		cfg.FetchTimeout = d
	}
	if raw.RefreshInterval != "" {
		d, err := time.ParseDuration(raw.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid RefreshInterval %q: %w", raw.RefreshInterval, err)
		}
		cfg.RefreshInterval = d
	}

	return cfg, nil
}
