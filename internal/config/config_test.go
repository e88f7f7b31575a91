package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 500, cfg.Chunking.MinTokens)
	assert.Equal(t, 800, cfg.Chunking.MaxTokens)
	assert.InDelta(t, 0.15, cfg.Chunking.OverlapPercent, 1e-9)
	assert.Equal(t, 4000, cfg.Retrieval.MaxContextTokens)
	assert.Equal(t, 32, cfg.Embeddings.BatchSize)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CHUNKING_MAX_TOKENS", "900")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("EMBEDDINGS_BATCH_SIZE", "not-a-number")

	cfg := Load()

	assert.Equal(t, 900, cfg.Chunking.MaxTokens)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-9)
	// unparseable values fall back to the default
	assert.Equal(t, 32, cfg.Embeddings.BatchSize)
}
