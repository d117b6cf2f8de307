// Package config loads runtime configuration from TOML and environment
// variables.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Providers []ProviderConfig `toml:"providers"`
	Embedding EmbeddingConfig  `toml:"embedding"`
	Database  DatabaseConfig   `toml:"database"`
	Runtime   RuntimeConfig    `toml:"runtime"`
	Sandbox   SandboxConfig    `toml:"sandbox"`
	Observer  ObserverConfig   `toml:"observer"`
}

// ProviderConfig describes one router entry. Lower priority values are
// tried first.
type ProviderConfig struct {
	Provider    string  `toml:"provider"` // "gemini", "openai", "groq", "ollama", ...
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	Priority    int     `toml:"priority"`
	CostPerMTok float64 `toml:"cost_per_mtok"`
	// Models restricts routing to the listed model ids; empty serves any.
	Models []string `toml:"models"`
	// RPM and TPM enable client-side rate limiting when positive.
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "memory", "sqlite", "postgres"
	Path        string `toml:"path"`   // sqlite file path
	PostgresURL string `toml:"postgres_url"`
}

type RuntimeConfig struct {
	Workers     int    `toml:"workers"`
	SnapshotDir string `toml:"snapshot_dir"` // file snapshots; empty uses the database
}

type SandboxConfig struct {
	Backend   string `toml:"backend"` // "none", "subprocess", "docker"
	PythonBin string `toml:"python_bin"`
	Image     string `toml:"image"`
	Workspace string `toml:"workspace"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Providers: []ProviderConfig{
			{Provider: "gemini", Model: "gemini-2.5-flash"},
		},
		Embedding: EmbeddingConfig{Provider: "gemini", Model: "gemini-embedding-001", Dimensions: 1536},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "loom.db"},
		Runtime:   RuntimeConfig{Workers: 4},
		Sandbox:   SandboxConfig{Backend: "subprocess", PythonBin: "python3"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		fileCfg := Config{}
		if toml.Unmarshal(data, &fileCfg) == nil {
			merge(&cfg, fileCfg)
		}
	}

	// Env overrides
	if v := os.Getenv("LOOM_LLM_API_KEY"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].APIKey == "" {
				cfg.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("LOOM_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("LOOM_POSTGRES_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" && len(cfg.Providers) > 0 {
		cfg.Embedding.APIKey = cfg.Providers[0].APIKey
	}

	return cfg
}

// merge overlays non-zero file values onto the defaults.
func merge(dst *Config, src Config) {
	if len(src.Providers) > 0 {
		dst.Providers = src.Providers
	}
	if src.Embedding.Provider != "" {
		dst.Embedding = src.Embedding
	}
	if src.Database.Driver != "" || src.Database.Path != "" || src.Database.PostgresURL != "" {
		if src.Database.Driver != "" {
			dst.Database.Driver = src.Database.Driver
		}
		if src.Database.Path != "" {
			dst.Database.Path = src.Database.Path
		}
		if src.Database.PostgresURL != "" {
			dst.Database.PostgresURL = src.Database.PostgresURL
		}
	}
	if src.Runtime.Workers > 0 {
		dst.Runtime.Workers = src.Runtime.Workers
	}
	if src.Runtime.SnapshotDir != "" {
		dst.Runtime.SnapshotDir = src.Runtime.SnapshotDir
	}
	if src.Sandbox.Backend != "" {
		dst.Sandbox.Backend = src.Sandbox.Backend
	}
	if src.Sandbox.PythonBin != "" {
		dst.Sandbox.PythonBin = src.Sandbox.PythonBin
	}
	if src.Sandbox.Image != "" {
		dst.Sandbox.Image = src.Sandbox.Image
	}
	if src.Sandbox.Workspace != "" {
		dst.Sandbox.Workspace = src.Sandbox.Workspace
	}
	dst.Observer.Enabled = dst.Observer.Enabled || src.Observer.Enabled
	if len(src.Observer.Pricing) > 0 {
		dst.Observer.Pricing = src.Observer.Pricing
	}
}
