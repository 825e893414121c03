package embedders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragkit/sage/pkg/config"
)

func embedTestConfig(host string) config.EmbedderConfig {
	return config.EmbedderConfig{
		Type:      "openai",
		Host:      host,
		Model:     "test-embed",
		Dimension: 2,
		Timeout:   5,
	}
}

func TestEmbedNormalizesVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[3,4]}]}`)
	}))
	defer srv.Close()

	embedder, err := NewOpenAIEmbedder(embedTestConfig(srv.URL))
	require.NoError(t, err)

	vectors, err := embedder.Embed(context.Background(), []string{"x"}, ModePassage)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.InDelta(t, 0.6, vectors[0][0], 1e-6)
	assert.InDelta(t, 0.8, vectors[0][1], 1e-6)
}

func TestEmbedRealignsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Out-of-order response, as the API permits.
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	embedder, err := NewOpenAIEmbedder(embedTestConfig(srv.URL))
	require.NoError(t, err)

	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"}, ModePassage)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(1), vectors[1][1])
}

func TestEmbedModePrefixes(t *testing.T) {
	var captured openAIEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	cfg := embedTestConfig(srv.URL)
	cfg.QueryPrefix = "query: "
	cfg.PassagePrefix = "passage: "
	embedder, err := NewOpenAIEmbedder(cfg)
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), []string{"hello"}, ModeQuery)
	require.NoError(t, err)
	assert.Equal(t, []string{"query: hello"}, captured.Input)

	_, err = embedder.Embed(context.Background(), []string{"hello"}, ModePassage)
	require.NoError(t, err)
	assert.Equal(t, []string{"passage: hello"}, captured.Input)
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1,0]}]}`)
	}))
	defer srv.Close()

	embedder, err := NewOpenAIEmbedder(embedTestConfig(srv.URL))
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), []string{"a", "b"}, ModePassage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 embeddings")
}

func TestEmbedEmptyInput(t *testing.T) {
	embedder, err := NewOpenAIEmbedder(embedTestConfig("http://unused"))
	require.NoError(t, err)

	vectors, err := embedder.Embed(context.Background(), nil, ModeQuery)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
