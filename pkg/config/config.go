// Package config assembles runtime settings from the environment. A .env
// file in the working directory is loaded first so local development does
// not need exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs at startup. All fields have
// working defaults; only the database settings usually need attention.
type Config struct {
	HTTPAddr string

	DBDriver string // sqlite, postgres or mysql
	DBDSN    string

	LogLevel  string
	LogFormat string // text or json
	LogFile   string // empty means stderr

	// Orchestrator knobs.
	MaxHops         int
	LLMTimeout      time.Duration
	ToolTimeout     time.Duration
	SequentialTools bool
	TokenBudget     int // 0 disables the prompt-size pre-check

	// Knowledge retrieval. Retrieval stays off until an embedder provider
	// is configured.
	EmbedderProvider string // "", openai or ollama
	EmbedderModel    string
	EmbedderEndpoint string
	EmbedderAPIKey   string
	KnowledgeDir     string // chromem persistence directory; empty means in-memory
	RetrievalTopK    int
}

// Load reads .env (if present) and the VIKI_* environment variables,
// applying defaults for anything unset.
func Load() (*Config, error) {
	// Missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:         envString("VIKI_HTTP_ADDR", ":8080"),
		DBDriver:         envString("VIKI_DB_DRIVER", "sqlite"),
		DBDSN:            envString("VIKI_DB_DSN", "viki.db"),
		LogLevel:         envString("VIKI_LOG_LEVEL", "info"),
		LogFormat:        envString("VIKI_LOG_FORMAT", "text"),
		LogFile:          envString("VIKI_LOG_FILE", ""),
		MaxHops:          envInt("VIKI_MAX_HOPS", 8),
		LLMTimeout:       envDuration("VIKI_LLM_TIMEOUT", 120*time.Second),
		ToolTimeout:      envDuration("VIKI_TOOL_TIMEOUT", 60*time.Second),
		SequentialTools:  envBool("VIKI_SEQUENTIAL_TOOLS", false),
		TokenBudget:      envInt("VIKI_TOKEN_BUDGET", 0),
		EmbedderProvider: envString("VIKI_EMBEDDER_PROVIDER", ""),
		EmbedderModel:    envString("VIKI_EMBEDDER_MODEL", ""),
		EmbedderEndpoint: envString("VIKI_EMBEDDER_ENDPOINT", ""),
		EmbedderAPIKey:   envString("VIKI_EMBEDDER_API_KEY", ""),
		KnowledgeDir:     envString("VIKI_KNOWLEDGE_DIR", ""),
		RetrievalTopK:    envInt("VIKI_RETRIEVAL_TOP_K", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DBDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max hops must be at least 1, got %d", c.MaxHops)
	}
	if c.RetrievalTopK < 1 {
		return fmt.Errorf("retrieval top-k must be at least 1, got %d", c.RetrievalTopK)
	}
	switch c.EmbedderProvider {
	case "", "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder provider %q", c.EmbedderProvider)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
