// Package config holds the runtime's typed configuration: turn-engine
// limits, timeouts, auto-compression tuning, and the reasoning-service
// table.
//
// Configs are plain structs with JSON/TOML tags. They can be built from
// defaults, from a generic map (FromMap, tolerant of JSON's float64
// numbers), or from a TOML file with environment overrides (Load).
// Infrastructure wiring beyond the service entries (exporters, listen
// addresses) belongs to the embedding process, not here.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/typeutil"
)

// =============================================================================
// Runtime Config
// =============================================================================

// RuntimeConfig is the full configuration of one runtime instance.
type RuntimeConfig struct {
	// Turn-engine limits.
	MaxSteps      int `json:"max_steps" toml:"max_steps"`            // turns per submitted task
	MaxToolRounds int `json:"max_tool_rounds" toml:"max_tool_rounds"` // tool iterations per turn

	// Timeouts.
	LLMTimeout        int `json:"llm_timeout" toml:"llm_timeout"`                 // seconds, per reasoning call
	ShutdownTimeoutMs int `json:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"` // drain budget

	// RetryAttempts bounds reasoning-call retries on transient failures.
	RetryAttempts int `json:"retry_attempts" toml:"retry_attempts"`

	// RootPrompt is the system prompt of the root sentinel.
	RootPrompt string `json:"root_prompt" toml:"root_prompt"`

	// RuntimeDir is the persistence directory. Empty disables persistence
	// and the runtime keeps all state in memory.
	RuntimeDir string `json:"runtime_dir" toml:"runtime_dir"`

	// LogLevel is the minimum level for the process logger
	// (DEBUG/INFO/WARN/ERROR).
	LogLevel string `json:"log_level" toml:"log_level"`

	// Compression tunes the automatic conversation compressor.
	Compression CompressionConfig `json:"auto_compression" toml:"auto_compression"`

	// Services lists the reasoning services available to agents.
	Services []ServiceConfig `json:"services" toml:"services"`

	// DefaultService names the service entry used when no model tag
	// matches. Empty selects the first entry.
	DefaultService string `json:"default_service" toml:"default_service"`
}

// CompressionConfig tunes automatic conversation compression.
type CompressionConfig struct {
	Enabled          bool    `json:"enabled" toml:"enabled"`
	Threshold        float64 `json:"threshold" toml:"threshold"`                   // fraction of ContextLimit
	KeepRecentCount  int     `json:"keep_recent_count" toml:"keep_recent_count"`   // trailing records kept verbatim
	SummaryModel     string  `json:"summary_model" toml:"summary_model"`           // empty = default service's model
	SummaryMaxTokens int     `json:"summary_max_tokens" toml:"summary_max_tokens"` // summary completion cap
	SummaryTimeout   int     `json:"summary_timeout" toml:"summary_timeout"`       // seconds
	ContextLimit     int     `json:"context_limit" toml:"context_limit"`           // model window, tokens
}

// ServiceConfig describes one reasoning service entry.
type ServiceConfig struct {
	ID                    string             `json:"id" toml:"id"`
	Name                  string             `json:"name" toml:"name"`
	BaseURL               string             `json:"base_url" toml:"base_url"`
	Model                 string             `json:"model" toml:"model"`
	APIKey                string             `json:"api_key" toml:"api_key"`
	MaxConcurrentRequests int                `json:"max_concurrent_requests" toml:"max_concurrent_requests"`
	Capabilities          CapabilitiesConfig `json:"capabilities" toml:"capabilities"`
}

// CapabilitiesConfig lists a service's input/output modalities.
type CapabilitiesConfig struct {
	Input  []string `json:"input" toml:"input"`
	Output []string `json:"output" toml:"output"`
}

// DefaultRuntimeConfig returns a RuntimeConfig with default values.
// No services are configured by default.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxSteps:          200,
		MaxToolRounds:     20000,
		LLMTimeout:        120,
		ShutdownTimeoutMs: 30000,
		RetryAttempts:     3,
		RootPrompt:        "You are the root coordinator of an agent organization.",
		RuntimeDir:        "",
		LogLevel:          "INFO",
		Compression: CompressionConfig{
			Enabled:          true,
			Threshold:        0.85,
			KeepRecentCount:  10,
			SummaryMaxTokens: 2048,
			SummaryTimeout:   60,
			ContextLimit:     128000,
		},
	}
}

// =============================================================================
// Derived values
// =============================================================================

// LLMCallTimeout returns the per-call timeout as a duration.
func (c *RuntimeConfig) LLMCallTimeout() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

// ShutdownTimeout returns the drain budget as a duration.
func (c *RuntimeConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// SummaryCallTimeout returns the summarization budget as a duration.
func (c *CompressionConfig) SummaryCallTimeout() time.Duration {
	return time.Duration(c.SummaryTimeout) * time.Second
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the config for values the runtime cannot operate with.
func (c *RuntimeConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max_tool_rounds must be positive, got %d", c.MaxToolRounds)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm_timeout must be positive, got %d", c.LLMTimeout)
	}
	if c.ShutdownTimeoutMs <= 0 {
		return fmt.Errorf("shutdown_timeout_ms must be positive, got %d", c.ShutdownTimeoutMs)
	}
	if c.Compression.Enabled {
		if c.Compression.Threshold <= 0 || c.Compression.Threshold > 1 {
			return fmt.Errorf("auto_compression.threshold must be in (0, 1], got %g", c.Compression.Threshold)
		}
		if c.Compression.KeepRecentCount < 0 {
			return fmt.Errorf("auto_compression.keep_recent_count must not be negative, got %d", c.Compression.KeepRecentCount)
		}
		if c.Compression.ContextLimit <= 0 {
			return fmt.Errorf("auto_compression.context_limit must be positive, got %d", c.Compression.ContextLimit)
		}
	}

	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("services[%d]: id is required", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("services[%d]: duplicate id %q", i, svc.ID)
		}
		seen[svc.ID] = true
		if svc.Model == "" {
			return fmt.Errorf("services[%d] (%s): model is required", i, svc.ID)
		}
	}
	if c.DefaultService != "" && !seen[c.DefaultService] {
		return fmt.Errorf("default_service %q does not match any service id", c.DefaultService)
	}
	return nil
}

// =============================================================================
// Map conversion
// =============================================================================

// RuntimeConfigFromMap creates a RuntimeConfig from a map. Unknown keys are
// ignored; numbers arrive as int or float64 depending on the source.
func RuntimeConfigFromMap(config map[string]any) *RuntimeConfig {
	c := DefaultRuntimeConfig()

	if v, ok := config["max_steps"].(int); ok {
		c.MaxSteps = v
	} else if v, ok := config["max_steps"].(float64); ok {
		c.MaxSteps = int(v)
	}
	if v, ok := config["max_tool_rounds"].(int); ok {
		c.MaxToolRounds = v
	} else if v, ok := config["max_tool_rounds"].(float64); ok {
		c.MaxToolRounds = int(v)
	}
	if v, ok := config["llm_timeout"].(int); ok {
		c.LLMTimeout = v
	} else if v, ok := config["llm_timeout"].(float64); ok {
		c.LLMTimeout = int(v)
	}
	if v, ok := config["shutdown_timeout_ms"].(int); ok {
		c.ShutdownTimeoutMs = v
	} else if v, ok := config["shutdown_timeout_ms"].(float64); ok {
		c.ShutdownTimeoutMs = int(v)
	}
	if v, ok := config["retry_attempts"].(int); ok {
		c.RetryAttempts = v
	} else if v, ok := config["retry_attempts"].(float64); ok {
		c.RetryAttempts = int(v)
	}
	if v, ok := config["root_prompt"].(string); ok {
		c.RootPrompt = v
	}
	if v, ok := config["runtime_dir"].(string); ok {
		c.RuntimeDir = v
	}
	if v, ok := config["log_level"].(string); ok {
		c.LogLevel = v
	}
	if v, ok := config["default_service"].(string); ok {
		c.DefaultService = v
	}

	if m, ok := typeutil.SafeMapStringAny(config["auto_compression"]); ok {
		compressionFromMap(m, &c.Compression)
	}
	if entries, ok := typeutil.SafeSlice(config["services"]); ok {
		c.Services = make([]ServiceConfig, 0, len(entries))
		for _, entry := range entries {
			if m, ok := typeutil.SafeMapStringAny(entry); ok {
				c.Services = append(c.Services, serviceFromMap(m))
			}
		}
	}

	return c
}

func compressionFromMap(m map[string]any, c *CompressionConfig) {
	if v, ok := m["enabled"].(bool); ok {
		c.Enabled = v
	}
	if v, ok := typeutil.SafeFloat64(m["threshold"]); ok {
		c.Threshold = v
	}
	if v, ok := typeutil.SafeInt(m["keep_recent_count"]); ok {
		c.KeepRecentCount = v
	}
	if v, ok := m["summary_model"].(string); ok {
		c.SummaryModel = v
	}
	if v, ok := typeutil.SafeInt(m["summary_max_tokens"]); ok {
		c.SummaryMaxTokens = v
	}
	if v, ok := typeutil.SafeInt(m["summary_timeout"]); ok {
		c.SummaryTimeout = v
	}
	if v, ok := typeutil.SafeInt(m["context_limit"]); ok {
		c.ContextLimit = v
	}
}

func serviceFromMap(m map[string]any) ServiceConfig {
	svc := ServiceConfig{
		ID:      typeutil.SafeStringDefault(m["id"], ""),
		Name:    typeutil.SafeStringDefault(m["name"], ""),
		BaseURL: typeutil.SafeStringDefault(m["base_url"], ""),
		Model:   typeutil.SafeStringDefault(m["model"], ""),
		APIKey:  typeutil.SafeStringDefault(m["api_key"], ""),
	}
	svc.MaxConcurrentRequests = typeutil.SafeIntDefault(m["max_concurrent_requests"], 0)
	if caps, ok := typeutil.SafeMapStringAny(m["capabilities"]); ok {
		svc.Capabilities.Input = typeutil.SafeStringSliceDefault(caps["input"], nil)
		svc.Capabilities.Output = typeutil.SafeStringSliceDefault(caps["output"], nil)
	}
	return svc
}

// ToMap converts the config to a map.
func (c *RuntimeConfig) ToMap() map[string]any {
	services := make([]any, 0, len(c.Services))
	for _, svc := range c.Services {
		services = append(services, map[string]any{
			"id":                      svc.ID,
			"name":                    svc.Name,
			"base_url":                svc.BaseURL,
			"model":                   svc.Model,
			"api_key":                 svc.APIKey,
			"max_concurrent_requests": svc.MaxConcurrentRequests,
			"capabilities": map[string]any{
				"input":  svc.Capabilities.Input,
				"output": svc.Capabilities.Output,
			},
		})
	}

	return map[string]any{
		"max_steps":           c.MaxSteps,
		"max_tool_rounds":     c.MaxToolRounds,
		"llm_timeout":         c.LLMTimeout,
		"shutdown_timeout_ms": c.ShutdownTimeoutMs,
		"retry_attempts":      c.RetryAttempts,
		"root_prompt":         c.RootPrompt,
		"runtime_dir":         c.RuntimeDir,
		"log_level":           c.LogLevel,
		"default_service":     c.DefaultService,
		"auto_compression": map[string]any{
			"enabled":            c.Compression.Enabled,
			"threshold":          c.Compression.Threshold,
			"keep_recent_count":  c.Compression.KeepRecentCount,
			"summary_model":      c.Compression.SummaryModel,
			"summary_max_tokens": c.Compression.SummaryMaxTokens,
			"summary_timeout":    c.Compression.SummaryTimeout,
			"context_limit":      c.Compression.ContextLimit,
		},
		"services": services,
	}
}

// =============================================================================
// Providers
// =============================================================================

// ConfigProvider supplies runtime configuration.
type ConfigProvider interface {
	GetRuntimeConfig() *RuntimeConfig
}

// DefaultConfigProvider returns the globally injected config.
type DefaultConfigProvider struct{}

// GetRuntimeConfig returns the global runtime configuration.
func (p *DefaultConfigProvider) GetRuntimeConfig() *RuntimeConfig {
	return GetRuntimeConfig()
}

// StaticConfigProvider returns a fixed config. Useful for tests.
type StaticConfigProvider struct {
	config *RuntimeConfig
}

// NewStaticConfigProvider creates a provider that always returns config.
func NewStaticConfigProvider(config *RuntimeConfig) *StaticConfigProvider {
	return &StaticConfigProvider{config: config}
}

// GetRuntimeConfig returns the static configuration.
func (p *StaticConfigProvider) GetRuntimeConfig() *RuntimeConfig {
	if p.config == nil {
		return DefaultRuntimeConfig()
	}
	return p.config
}

// =============================================================================
// Global config (set by the embedding process at boot)
// =============================================================================

var (
	globalRuntimeConfig *RuntimeConfig
	configMu            sync.RWMutex
)

// GetRuntimeConfig returns the injected config, or defaults when none was
// set.
func GetRuntimeConfig() *RuntimeConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalRuntimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return globalRuntimeConfig
}

// SetRuntimeConfig installs the process-wide configuration.
func SetRuntimeConfig(config *RuntimeConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalRuntimeConfig = config
}

// ResetRuntimeConfig clears the global config (useful for testing). After
// reset, GetRuntimeConfig returns defaults.
func ResetRuntimeConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalRuntimeConfig = nil
}
