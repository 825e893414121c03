package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalConfig carries just the required fields; everything else defaults.
const minimalConfig = `
chat:
  host: http://localhost:11434
  model: llama3
embedder:
  host: http://localhost:11434
  model: mxbai-embed-large
vector_store:
  type: chromem
mongo:
  uri: mongodb://localhost:27017
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Chat.Type)
	assert.Equal(t, 0.7, cfg.Chat.Temperature)
	assert.Equal(t, 1024, cfg.Embedder.Dimension)
	assert.Equal(t, "sage_corpus", cfg.VectorStore.Collection)
	assert.Equal(t, "sage_qa_cache", cfg.VectorStore.QACollection)
	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 1024, cfg.Pipeline.BusCapacity)
	assert.Equal(t, 0.95, cfg.Pipeline.CacheHitThreshold)
	assert.Equal(t, float64(-100), cfg.Pipeline.ScoreFloor)
	assert.Equal(t, 86400, cfg.Redis.HistoryTTL)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("SAGE_TEST_CHAT_HOST", "http://chat.internal:8000")

	cfg, err := Parse([]byte(`
chat:
  host: "${SAGE_TEST_CHAT_HOST}"
  model: "${SAGE_TEST_MODEL:-gpt-4o-mini}"
embedder:
  host: http://localhost:11434
  model: mxbai-embed-large
vector_store:
  type: chromem
mongo:
  uri: mongodb://localhost:27017
`))
	require.NoError(t, err)

	assert.Equal(t, "http://chat.internal:8000", cfg.Chat.Host)
	// Unset variable falls back to the inline default.
	assert.Equal(t, "gpt-4o-mini", cfg.Chat.Model)
}

func TestParseEnvDefaultBeatenByEnv(t *testing.T) {
	t.Setenv("SAGE_TEST_MODEL", "qwen2")

	cfg, err := Parse([]byte(`
chat:
  host: http://localhost:11434
  model: "${SAGE_TEST_MODEL:-fallback}"
embedder:
  host: http://localhost:11434
  model: m
vector_store:
  type: chromem
mongo:
  uri: mongodb://localhost:27017
`))
	require.NoError(t, err)
	assert.Equal(t, "qwen2", cfg.Chat.Model)
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing chat host",
			yaml:    "chat:\n  model: m\nembedder:\n  host: h\nvector_store:\n  type: chromem\nmongo:\n  uri: u\n",
			wantErr: "chat.host",
		},
		{
			name:    "unknown vector store",
			yaml:    "chat:\n  host: h\n  model: m\nembedder:\n  host: h\nvector_store:\n  type: pinecone\nmongo:\n  uri: u\n",
			wantErr: "vector store",
		},
		{
			name:    "missing mongo uri",
			yaml:    "chat:\n  host: h\n  model: m\nembedder:\n  host: h\nvector_store:\n  type: chromem\n",
			wantErr: "mongo.uri",
		},
		{
			name:    "colliding collections",
			yaml:    "chat:\n  host: h\n  model: m\nembedder:\n  host: h\nvector_store:\n  type: chromem\n  collection: same\n  qa_collection: same\nmongo:\n  uri: u\n",
			wantErr: "qa_collection",
		},
		{
			name:    "bad threshold",
			yaml:    minimalConfig + "pipeline:\n  cache_hit_threshold: 1.5\n",
			wantErr: "cache_hit_threshold",
		},
		{
			name:    "undersized bus",
			yaml:    minimalConfig + "pipeline:\n  bus_capacity: 16\n",
			wantErr: "bus_capacity",
		},
		{
			name:    "invalid yaml",
			yaml:    "chat: [unclosed",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHistoryTTLDuration(t *testing.T) {
	cfg := RedisConfig{HistoryTTL: 3600}
	assert.Equal(t, "1h0m0s", cfg.HistoryTTLDuration().String())
}
