package llms

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

func openAITestConfig(host string) config.LLMConfig {
	return config.LLMConfig{
		Type:        "openai",
		Host:        host,
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.7,
		Timeout:     5,
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	text, usage, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "hello", text)
	assert.Equal(t, 15, usage.TotalTokens)
	assert.Equal(t, "test-model", captured.Model)
	assert.False(t, captured.Stream)
}

func TestOpenAIGenerateStreaming(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}],\"finish_reason\":\"stop\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	stream, err := provider.GenerateStreaming(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
	}, &GenerateOptions{Stop: []string{"Observation:"}})
	require.NoError(t, err)

	var tokens []string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		tokens = append(tokens, chunk.Text)
	}
	assert.Equal(t, []string{"Hel", "lo"}, tokens)

	assert.True(t, captured.Stream)
	assert.Equal(t, []string{"Observation:"}, captured.Stop)
}

func TestOpenAIStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"model overloaded\",\"type\":\"server_error\"}}\n\n")
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	stream, err := provider.GenerateStreaming(context.Background(), nil, nil)
	require.NoError(t, err)

	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "model overloaded")
}

func TestOpenAIClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request"}}`)
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	_, _, err = provider.Generate(context.Background(), nil, nil)
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Transient())
}

func TestOpenAIServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	_, _, err = provider.Generate(context.Background(), nil, nil)
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Transient())
}

func TestOpenAIPerCallOptionsOverrideDefaults(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(srv.URL))
	require.NoError(t, err)

	temp := 0.1
	_, _, err = provider.Generate(context.Background(), nil, &GenerateOptions{
		Temperature: &temp,
		MaxTokens:   128,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.1, captured.Temperature)
	assert.Equal(t, 128, captured.MaxTokens)
}
