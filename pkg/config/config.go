// Package config defines the sage configuration model and its loader.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, an optional YAML file, and environment variables.
// The YAML layer supports ${VAR} / ${VAR:-default} expansion.
package config

import (
	"fmt"
	"time"
)

// CurrentVersion tags the config file format. Bumped on breaking changes
// so a stale file can be detected and regenerated.
const CurrentVersion = 1

// Config is the root configuration.
type Config struct {
	Version int `koanf:"version" json:"version"`

	Server    ServerConfig    `koanf:"server" json:"server"`
	Database  DatabaseConfig  `koanf:"database" json:"database"`
	Embedder  EmbedderConfig  `koanf:"embedder" json:"embedder"`
	Reranker  RerankerConfig  `koanf:"reranker" json:"reranker"`
	Retrieval RetrievalConfig `koanf:"retrieval" json:"retrieval"`
	Hooks     HooksConfig     `koanf:"hooks" json:"hooks"`
	Logging   LoggingConfig   `koanf:"logging" json:"logging"`
}

// ServerConfig configures the MCP tool server surfaces.
type ServerConfig struct {
	// Host and Port bind the optional HTTP surface. Stdio needs neither.
	Host string `koanf:"host" json:"host"`
	Port int    `koanf:"port" json:"port"`

	// HandlerTimeout bounds each tool call wall clock.
	HandlerTimeout time.Duration `koanf:"handler_timeout" json:"handler_timeout"`
}

// DatabaseConfig configures the Postgres + pgvector store.
type DatabaseConfig struct {
	Host     string `koanf:"host" json:"host"`
	Port     int    `koanf:"port" json:"port"`
	Name     string `koanf:"name" json:"name"`
	User     string `koanf:"user" json:"user"`
	Password string `koanf:"password" json:"password"`
	SSLMode  string `koanf:"ssl_mode" json:"ssl_mode"`

	MaxConns int `koanf:"max_conns" json:"max_conns"`
	MaxIdle  int `koanf:"max_idle" json:"max_idle"`

	// FallbackScanLimit bounds the sequential-cosine scan used when the
	// vector index is unavailable.
	FallbackScanLimit int `koanf:"fallback_scan_limit" json:"fallback_scan_limit"`
}

// ConnectionString builds a lib/pq DSN.
func (c *DatabaseConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, sslMode)
}

// EmbedderConfig configures the embedding provider client.
type EmbedderConfig struct {
	BaseURL string `koanf:"base_url" json:"base_url"`
	APIKey  string `koanf:"api_key" json:"api_key"`
	Model   string `koanf:"model" json:"model"`

	// Dimension is the single runtime vector dimension, verified against
	// the provider on startup.
	Dimension int `koanf:"dimension" json:"dimension"`

	Timeout    time.Duration `koanf:"timeout" json:"timeout"`
	MaxRetries int           `koanf:"max_retries" json:"max_retries"`
}

// RerankerConfig configures the neural reranker client.
type RerankerConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	BaseURL string `koanf:"base_url" json:"base_url"`
	APIKey  string `koanf:"api_key" json:"api_key"`
	Model   string `koanf:"model" json:"model"`

	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

// RetrievalConfig holds the retrieval tuning knobs. These are safe to
// live-reload.
type RetrievalConfig struct {
	Count               int           `koanf:"count" json:"count"`
	SimilarityThreshold float64       `koanf:"similarity_threshold" json:"similarity_threshold"`
	MaxContextTokens    int           `koanf:"max_context_tokens" json:"max_context_tokens"`
	CacheTTL            time.Duration `koanf:"cache_ttl" json:"cache_ttl"`
	CacheSize           int           `koanf:"cache_size" json:"cache_size"`
	TimeDecay           float64       `koanf:"time_decay" json:"time_decay"`
	MaxAgeDays          int           `koanf:"max_age_days" json:"max_age_days"`
	DiversityLambda     float64       `koanf:"diversity_lambda" json:"diversity_lambda"`
}

// HooksConfig configures the hook-state store and the stop pipeline.
type HooksConfig struct {
	// StateDir is the shared hook rendezvous directory.
	StateDir string `koanf:"state_dir" json:"state_dir"`

	// EvictAfter removes stale hook records on cleanup.
	EvictAfter time.Duration `koanf:"evict_after" json:"evict_after"`

	// StopTimeout bounds the whole stop-hook pipeline.
	StopTimeout time.Duration `koanf:"stop_timeout" json:"stop_timeout"`

	// TranscriptTail is the number of trailing transcript events parsed.
	TranscriptTail int `koanf:"transcript_tail" json:"transcript_tail"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
	File   string `koanf:"file" json:"file"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"version":                CurrentVersion,
		"server.host":            "0.0.0.0",
		"server.port":            17800,
		"server.handler_timeout": "30s",

		"database.host":                "localhost",
		"database.port":                5432,
		"database.name":                "sage",
		"database.user":                "sage",
		"database.password":            "",
		"database.ssl_mode":            "disable",
		"database.max_conns":           10,
		"database.max_idle":            5,
		"database.fallback_scan_limit": 1000,

		"embedder.base_url":    "https://api.siliconflow.cn/v1",
		"embedder.model":       "Qwen/Qwen3-Embedding-8B",
		"embedder.dimension":   4096,
		"embedder.timeout":     "30s",
		"embedder.max_retries": 3,

		"reranker.enabled":  true,
		"reranker.base_url": "https://api.siliconflow.cn/v1",
		"reranker.model":    "BAAI/bge-reranker-v2-m3",
		"reranker.timeout":  "30s",

		"retrieval.count":                10,
		"retrieval.similarity_threshold": 0.3,
		"retrieval.max_context_tokens":   2000,
		"retrieval.cache_ttl":            "30m",
		"retrieval.cache_size":           512,
		"retrieval.time_decay":           0.95,
		"retrieval.max_age_days":         365,
		"retrieval.diversity_lambda":     0.7,

		"hooks.evict_after":     "48h",
		"hooks.stop_timeout":    "45s",
		"hooks.transcript_tail": 50,

		"logging.level":  "info",
		"logging.format": "simple",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be positive, got %d", c.Database.MaxConns)
	}
	if c.Embedder.Model == "" {
		return fmt.Errorf("embedder.model is required")
	}
	if c.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder.dimension must be positive, got %d", c.Embedder.Dimension)
	}
	if c.Retrieval.Count <= 0 {
		return fmt.Errorf("retrieval.count must be positive, got %d", c.Retrieval.Count)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("retrieval.similarity_threshold must be in [0,1], got %f", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.DiversityLambda < 0 || c.Retrieval.DiversityLambda > 1 {
		return fmt.Errorf("retrieval.diversity_lambda must be in [0,1], got %f", c.Retrieval.DiversityLambda)
	}
	if c.Retrieval.CacheSize <= 0 {
		return fmt.Errorf("retrieval.cache_size must be positive, got %d", c.Retrieval.CacheSize)
	}
	if c.Hooks.TranscriptTail <= 0 {
		return fmt.Errorf("hooks.transcript_tail must be positive, got %d", c.Hooks.TranscriptTail)
	}
	return nil
}
