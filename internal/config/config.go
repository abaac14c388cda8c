// Package config holds process configuration for swarmd. Defaults are
// merged with an optional JSON config file (SWARMD_CONFIG) and then with
// environment variables, which win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr     string `json:"addr"`
	TraceDir string `json:"trace_dir"`
	Debug    bool   `json:"debug"`
}

// UpstreamConfig configures the chat-completion client.
type UpstreamConfig struct {
	APIKey      string        `json:"-"`
	BaseURL     string        `json:"base_url"`
	Referer     string        `json:"referer"`
	Title       string        `json:"title"`
	MaxRetries  int           `json:"max_retries"`
	BaseBackoff time.Duration `json:"-"`
	MaxBackoff  time.Duration `json:"-"`
	Timeout     time.Duration `json:"-"`
}

// SwarmConfig bounds mission execution.
type SwarmConfig struct {
	DefaultSize      int     `json:"default_size"`
	MaxAgents        int     `json:"max_agents"`
	DefaultMaxBudget float64 `json:"default_max_budget"`
	MinBudget        float64 `json:"min_budget"`
	MaxBudget        float64 `json:"max_budget"`
	ThrottleMs       int     `json:"throttle_ms"`
}

// ModelRate is the price per 1000 tokens for one model.
type ModelRate struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// ModelsConfig names the models each swarm role uses and their pricing.
type ModelsConfig struct {
	SwarmModel     string               `json:"swarm_model"`
	ReviewerModel  string               `json:"reviewer_model"`
	SynthesisModel string               `json:"synthesis_model"`
	FallbackModel  string               `json:"fallback_model"`
	Pricing        map[string]ModelRate `json:"pricing"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Upstream UpstreamConfig `json:"upstream"`
	Swarm    SwarmConfig    `json:"swarm"`
	Models   ModelsConfig   `json:"models"`
}

// Default returns the baseline configuration. The swarm model is the free
// tier, so fan-out itself costs nothing; reviewer and synthesis run on
// paid models and dominate actual cost. Default mission budget is 1.25
// (the conservative of the two figures the product has shipped with).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			TraceDir: "./traces",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			MaxRetries:  5,
			BaseBackoff: time.Second,
			MaxBackoff:  32 * time.Second,
			Timeout:     2 * time.Minute,
		},
		Swarm: SwarmConfig{
			DefaultSize:      8,
			MaxAgents:        20,
			DefaultMaxBudget: 1.25,
			MinBudget:        0.01,
			MaxBudget:        5.0,
			ThrottleMs:       6000,
		},
		Models: ModelsConfig{
			SwarmModel:     "meta-llama/llama-3.3-70b-instruct:free",
			ReviewerModel:  "anthropic/claude-3.5-sonnet",
			SynthesisModel: "anthropic/claude-3.5-sonnet",
			FallbackModel:  "openai/gpt-4o-mini",
			Pricing: map[string]ModelRate{
				"meta-llama/llama-3.3-70b-instruct:free": {InputPer1K: 0, OutputPer1K: 0},
				"anthropic/claude-3.5-sonnet":            {InputPer1K: 0.003, OutputPer1K: 0.015},
				"openai/gpt-4o-mini":                     {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			},
		},
	}
}

// Load builds the effective config: defaults, then the optional JSON file
// named by SWARMD_CONFIG, then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SWARMD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Models.Pricing == nil {
		cfg.Models.Pricing = Default().Models.Pricing
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("SWARMD_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("SWARMD_REFERER"); v != "" {
		cfg.Upstream.Referer = v
	}
	if v := os.Getenv("SWARMD_TITLE"); v != "" {
		cfg.Upstream.Title = v
	}
	if v := os.Getenv("SWARMD_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SWARMD_TRACE_DIR"); v != "" {
		cfg.Server.TraceDir = v
	}
	if v := os.Getenv("SWARMD_DEBUG"); v != "" {
		cfg.Server.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("SWARMD_THROTTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Swarm.ThrottleMs = n
		}
	}
	if v := os.Getenv("SWARMD_MAX_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Swarm.DefaultMaxBudget = f
		}
	}
}

// Rate returns the pricing row for a model. Unknown models price at zero,
// matching the free-tier swarm model.
func (m *ModelsConfig) Rate(model string) ModelRate {
	if r, ok := m.Pricing[model]; ok {
		return r
	}
	return ModelRate{}
}
