package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 8, cfg.MaxHops)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 60*time.Second, cfg.ToolTimeout)
	assert.False(t, cfg.SequentialTools)
	assert.Equal(t, 4, cfg.RetrievalTopK)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VIKI_DB_DRIVER", "postgres")
	t.Setenv("VIKI_DB_DSN", "postgres://localhost/viki")
	t.Setenv("VIKI_MAX_HOPS", "3")
	t.Setenv("VIKI_LLM_TIMEOUT", "30s")
	t.Setenv("VIKI_SEQUENTIAL_TOOLS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/viki", cfg.DBDSN)
	assert.Equal(t, 3, cfg.MaxHops)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout)
	assert.True(t, cfg.SequentialTools)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "oracle" }, "unsupported database driver"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "unsupported log format"},
		{"zero max hops", func(c *Config) { c.MaxHops = 0 }, "max hops"},
		{"zero top-k", func(c *Config) { c.RetrievalTopK = 0 }, "top-k"},
		{"unknown embedder", func(c *Config) { c.EmbedderProvider = "bedrock" }, "unsupported embedder provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("VIKI_MAX_HOPS", "lots")
	t.Setenv("VIKI_LLM_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxHops)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
}
