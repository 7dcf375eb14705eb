package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads configuration in three layers: defaults, then the TOML file at
// path (when it exists), then environment overrides (env wins). The result
// is validated before return.
func Load(path string) (*RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *RuntimeConfig) {
	if v := os.Getenv("AGENTRUNTIME_RUNTIME_DIR"); v != "" {
		cfg.RuntimeDir = v
	}
	if v := os.Getenv("AGENTRUNTIME_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTRUNTIME_SUMMARY_MODEL"); v != "" {
		cfg.Compression.SummaryModel = v
	}
	// A single shared key fills every service entry that carries none.
	if v := os.Getenv("AGENTRUNTIME_API_KEY"); v != "" {
		for i := range cfg.Services {
			if cfg.Services[i].APIKey == "" {
				cfg.Services[i].APIKey = v
			}
		}
	}
}

func applyFallbacks(cfg *RuntimeConfig) {
	if len(cfg.Services) == 0 {
		return
	}
	if cfg.DefaultService == "" {
		cfg.DefaultService = cfg.Services[0].ID
	}
	// The summarizer rides the default service unless pinned elsewhere.
	if cfg.Compression.SummaryModel == "" {
		for _, svc := range cfg.Services {
			if svc.ID == cfg.DefaultService {
				cfg.Compression.SummaryModel = svc.Model
				break
			}
		}
	}
}
