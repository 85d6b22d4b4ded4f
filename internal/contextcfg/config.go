// Package contextcfg loads the YAML/JSON config file described in
// spec.md §6(c) into a typed Config, applying defaults before unmarshal.
package contextcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CLIAIMONITOR/ctxengine/internal/ctxtypes"
)

// CacheStrategy selects the Predictive Cache's eviction policy.
type CacheStrategy string

const (
	CacheStrategyLRU        CacheStrategy = "LRU"
	CacheStrategyLFU        CacheStrategy = "LFU"
	CacheStrategyTTL        CacheStrategy = "TTL"
	CacheStrategyPredictive CacheStrategy = "Predictive"
)

// WarmingStrategy selects how aggressively the cache pre-populates itself.
type WarmingStrategy string

const (
	WarmingNone         WarmingStrategy = "None"
	WarmingLazy         WarmingStrategy = "Lazy"
	WarmingAggressive   WarmingStrategy = "Aggressive"
	WarmingPatternBased WarmingStrategy = "PatternBased"
)

// Config is the recognized option set of spec.md §6(c).
type Config struct {
	MaxTokens                     int                                        `yaml:"max_tokens"`
	CacheTTLSeconds                int                                       `yaml:"cache_ttl_seconds"`
	CacheMaxEntries                 int                                      `yaml:"cache_max_entries"`
	CacheMaxMB                      int                                      `yaml:"cache_max_mb"`
	CacheStrategy                   CacheStrategy                            `yaml:"cache_strategy"`
	WarmingStrategy                 WarmingStrategy                          `yaml:"warming_strategy"`
	BackgroundWorkers                int                                     `yaml:"background_workers"`
	MaintenanceIntervalSeconds       int                                     `yaml:"maintenance_interval_seconds"`
	EnableIntelligence                bool                                   `yaml:"enable_intelligence"`
	EnableAdvancedCaching              bool                                  `yaml:"enable_advanced_caching"`
	EnableMonitoring                   bool                                  `yaml:"enable_monitoring"`
	EnableCrossStory                   bool                                  `yaml:"enable_cross_story"`
	IgnorePatterns                     []string                              `yaml:"ignore_patterns"`
	MaxFileBytes                       int64                                 `yaml:"max_file_bytes"`
	MaxFileTokens                      int                                   `yaml:"max_file_tokens"`
	PredictionConfidenceThreshold       float64                              `yaml:"prediction_confidence_threshold"`
	CompressionTargets                  map[ctxtypes.CompressionLevel]float64 `yaml:"compression_targets"`
	StateDir                            string                               `yaml:"state_dir"`
	MaxPreparationSeconds                float64                             `yaml:"max_preparation_seconds"`
}

// Defaults returns the configuration with every spec.md-documented default
// applied.
func Defaults() *Config {
	return &Config{
		MaxTokens:                    8000,
		CacheTTLSeconds:              1800,
		CacheMaxEntries:              1000,
		CacheMaxMB:                   500,
		CacheStrategy:                CacheStrategyPredictive,
		WarmingStrategy:              WarmingLazy,
		BackgroundWorkers:            4,
		MaintenanceIntervalSeconds:   3600,
		EnableIntelligence:           true,
		EnableAdvancedCaching:        true,
		EnableMonitoring:             true,
		EnableCrossStory:             true,
		IgnorePatterns:               nil,
		MaxFileBytes:                 100 * 1024,
		MaxFileTokens:                10000,
		PredictionConfidenceThreshold: 0.7,
		CompressionTargets: map[ctxtypes.CompressionLevel]float64{
			ctxtypes.CompressionLow:      0.85,
			ctxtypes.CompressionModerate: 0.65,
			ctxtypes.CompressionHigh:     0.45,
			ctxtypes.CompressionExtreme:  0.25,
		},
		StateDir:              ".orch-state",
		MaxPreparationSeconds: 30,
	}
}

// Load reads a YAML (or JSON, a YAML superset) config file at path,
// merging it onto Defaults(). A missing file is not an error — the
// defaults are returned unmodified, matching the teacher's permissive
// config-loading behavior in internal/bootstrap.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural invariants on the config values.
func (c *Config) Validate() error {
	if c.MaxTokens < 100 {
		return fmt.Errorf("max_tokens must be at least 100")
	}
	if c.BackgroundWorkers < 1 {
		return fmt.Errorf("background_workers must be at least 1")
	}
	switch c.CacheStrategy {
	case CacheStrategyLRU, CacheStrategyLFU, CacheStrategyTTL, CacheStrategyPredictive:
	default:
		return fmt.Errorf("unknown cache_strategy: %s", c.CacheStrategy)
	}
	switch c.WarmingStrategy {
	case WarmingNone, WarmingLazy, WarmingAggressive, WarmingPatternBased:
	default:
		return fmt.Errorf("unknown warming_strategy: %s", c.WarmingStrategy)
	}
	if c.PredictionConfidenceThreshold < 0 || c.PredictionConfidenceThreshold > 1 {
		return fmt.Errorf("prediction_confidence_threshold must be in [0,1]")
	}
	return nil
}
