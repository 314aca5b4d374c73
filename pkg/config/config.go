// Package config loads and persists AIxTerm's single JSON configuration
// file, with environment-variable overrides and default-filling/clamping on
// load, grounded on the teacher's atomic-rewrite config package.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// ToolServerSpec describes one configured MCP tool server.
type ToolServerSpec struct {
	Name           string            `json:"name"`
	Command        []string          `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	Enabled        bool              `json:"enabled"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	AutoStart      bool              `json:"auto_start"`
}

// CleanupPolicy governs the periodic session-log prune sweep.
type CleanupPolicy struct {
	IntervalHours int    `json:"interval_hours"`
	MaxLogAgeDays int    `json:"max_log_age_days"`
	MaxLogFiles   int    `json:"max_log_files"`
	CronSchedule  string `json:"cron_schedule,omitempty"`
}

// ToolPolicy bounds the chat loop's tool-calling behavior.
type ToolPolicy struct {
	MaxToolIterations     int                `json:"max_tool_iterations"`
	ReserveTokensForTools int                `json:"reserve_tokens_for_tools"`
	TimingAlpha           float64            `json:"timing_alpha"`
	TimingMinSeconds      float64            `json:"timing_min_seconds"`
	TimingMaxSeconds      float64            `json:"timing_max_seconds"`
	ToolPriorities        map[string]float64 `json:"tool_priorities"`

	// ObservedResponseSeconds is the exponential moving average of
	// time-to-first-content-byte, updated by the chat loop after every
	// streamed turn that delivers content, and clamped to [TimingMinSeconds, TimingMaxSeconds]. Zero means
	// no observation has been recorded yet.
	ObservedResponseSeconds float64 `json:"observed_response_seconds,omitempty"`
}

// Logging configures the ambient structured logger.
type Logging struct {
	Level string `json:"level" env:"AIXTERM_LOG_LEVEL"`
	File  string `json:"file" env:"AIXTERM_LOG_FILE"`
}

// RateLimits bounds tool-call throughput, grounded on the teacher's
// RateLimitsConfig shape.
type RateLimits struct {
	MaxToolCallsPerMinute int `json:"max_tool_calls_per_minute"`
}

// Config is AIxTerm's single persisted JSON document.
type Config struct {
	Model                 string           `json:"model"`
	APIURL                string           `json:"api_url"`
	APIKey                string           `json:"api_key" env:"AIXTERM_API_KEY"`
	SystemPromptNormal    string           `json:"system_prompt_normal"`
	SystemPromptPlanning  string           `json:"system_prompt_planning"`
	ContextSize           int              `json:"context_size"`
	ResponseBufferSize    int              `json:"response_buffer_size"`
	ToolServers           []ToolServerSpec `json:"tool_servers"`
	Cleanup               CleanupPolicy    `json:"cleanup"`
	Tools                 ToolPolicy       `json:"tool_policy"`
	Logging               Logging          `json:"logging"`
	RateLimits            RateLimits       `json:"rate_limits"`

	mu sync.RWMutex
}

const (
	minContextSize        = 1024
	maxContextSize        = 2_000_000
	minResponseBuffer     = 256
	maxResponseBuffer     = 64_000
	minMaxToolIterations  = 1
	maxMaxToolIterations  = 50
	minReserveForTools    = 0
	maxReserveForTools    = 100_000
	defaultTimingAlpha    = 0.3
	defaultTimingMinSec   = 0.5
	defaultTimingMaxSec   = 60
	defaultAPIURL         = "https://api.openai.com/v1"
	defaultModel          = "gpt-4o-mini"
	dummyAPIKey           = "sk-no-key-set"
)

// DefaultConfig returns a Config with every field set to its default,
// clamped value — the same shape LoadConfig falls back to field-by-field
// when a key is missing from the persisted file.
func DefaultConfig() *Config {
	return &Config{
		Model:                defaultModel,
		APIURL:               defaultAPIURL,
		APIKey:               dummyAPIKey,
		SystemPromptNormal:   "You are AIxTerm, a terminal-resident assistant. Be concise.",
		SystemPromptPlanning: "You are AIxTerm in planning mode. Think step by step before acting.",
		ContextSize:          128_000,
		ResponseBufferSize:   4_096,
		ToolServers:          nil,
		Cleanup: CleanupPolicy{
			IntervalHours: 6,
			MaxLogAgeDays: 30,
			MaxLogFiles:   500,
		},
		Tools: ToolPolicy{
			MaxToolIterations:     10,
			ReserveTokensForTools: 2_000,
			TimingAlpha:           defaultTimingAlpha,
			TimingMinSeconds:      defaultTimingMinSec,
			TimingMaxSeconds:      defaultTimingMaxSec,
			ToolPriorities:        map[string]float64{},
		},
		Logging: Logging{
			Level: "info",
		},
		RateLimits: RateLimits{
			MaxToolCallsPerMinute: 60,
		},
	}
}

// LoadConfig reads path, filling missing fields from defaults, clamping
// numeric fields to sane bounds, stripping unknown top-level keys, and
// applying environment overrides. A missing file yields DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Decode into a generic map first so unknown top-level keys are
	// silently dropped rather than rejected, then re-marshal the known
	// subset through the typed struct.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	known, _ := json.Marshal(raw)
	if err := json.Unmarshal(known, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.clamp()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Best-effort: env overrides are a convenience, never a hard failure.
	_ = env.Parse(cfg)
}

func (c *Config) clamp() {
	c.ContextSize = clampInt(c.ContextSize, minContextSize, maxContextSize)
	c.ResponseBufferSize = clampInt(c.ResponseBufferSize, minResponseBuffer, maxResponseBuffer)
	c.Tools.MaxToolIterations = clampInt(c.Tools.MaxToolIterations, minMaxToolIterations, maxMaxToolIterations)
	c.Tools.ReserveTokensForTools = clampInt(c.Tools.ReserveTokensForTools, minReserveForTools, maxReserveForTools)

	if c.Tools.TimingAlpha <= 0 || c.Tools.TimingAlpha > 1 {
		c.Tools.TimingAlpha = defaultTimingAlpha
	}
	if c.Tools.TimingMinSeconds <= 0 {
		c.Tools.TimingMinSeconds = defaultTimingMinSec
	}
	if c.Tools.TimingMaxSeconds < c.Tools.TimingMinSeconds {
		c.Tools.TimingMaxSeconds = defaultTimingMaxSec
	}
	if c.Tools.ToolPriorities == nil {
		c.Tools.ToolPriorities = map[string]float64{}
	}
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	if c.APIKey == "" {
		c.APIKey = dummyAPIKey
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Cleanup.IntervalHours <= 0 {
		c.Cleanup.IntervalHours = 6
	}
	if c.Cleanup.MaxLogAgeDays <= 0 {
		c.Cleanup.MaxLogAgeDays = 30
	}
	if c.Cleanup.MaxLogFiles <= 0 {
		c.Cleanup.MaxLogFiles = 500
	}
	if c.RateLimits.MaxToolCallsPerMinute <= 0 {
		c.RateLimits.MaxToolCallsPerMinute = 60
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SaveConfig atomically rewrites path with cfg's current contents: it
// writes to a sibling temp file and renames it into place so a reader never
// observes a partial write.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

// Lock/RLock expose the struct's mutex for components that touch a live,
// shared *Config concurrently with a save: the chat loop's adaptive-timing
// updater writes under Lock, and readers such as the service's request
// handling take RLock.
func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }
