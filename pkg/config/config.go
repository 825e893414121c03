// Copyright 2025 The Sage Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the sage configuration model: one YAML document
// with ${ENV} expansion, defaults and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Chat        LLMConfig         `yaml:"chat" mapstructure:"chat"`
	Embedder    EmbedderConfig    `yaml:"embedder" mapstructure:"embedder"`
	Reranker    RerankerConfig    `yaml:"reranker" mapstructure:"reranker"`
	VectorStore VectorStoreConfig `yaml:"vector_store" mapstructure:"vector_store"`
	Mongo       MongoConfig       `yaml:"mongo" mapstructure:"mongo"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Tools       ToolsConfig       `yaml:"tools" mapstructure:"tools"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// LLMConfig configures a chat-completion backend.
type LLMConfig struct {
	// Type selects the provider: "openai" (OpenAI-compatible) or "ollama".
	Type        string  `yaml:"type" mapstructure:"type"`
	Host        string  `yaml:"host" mapstructure:"host"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     int     `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// EmbedderConfig configures an embedding backend.
type EmbedderConfig struct {
	// Type selects the provider: "openai" (OpenAI-compatible) or "ollama".
	Type      string `yaml:"type" mapstructure:"type"`
	Host      string `yaml:"host" mapstructure:"host"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Model     string `yaml:"model" mapstructure:"model"`
	Dimension int    `yaml:"dimension" mapstructure:"dimension"`
	// QueryPrefix and PassagePrefix are prepended per embedding mode,
	// for instruction-tuned models (e.g. e5: "query: " / "passage: ").
	QueryPrefix   string `yaml:"query_prefix" mapstructure:"query_prefix"`
	PassagePrefix string `yaml:"passage_prefix" mapstructure:"passage_prefix"`
	Timeout       int    `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// RerankerConfig configures a cross-encoder rerank backend.
type RerankerConfig struct {
	// Type selects the provider: "tei" or "cohere". Empty disables reranking.
	Type       string `yaml:"type" mapstructure:"type"`
	Host       string `yaml:"host" mapstructure:"host"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
	Model      string `yaml:"model" mapstructure:"model"`
	Timeout    int    `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// VectorStoreConfig configures the vector database.
type VectorStoreConfig struct {
	// Type selects the provider: "milvus", "qdrant" or "chromem".
	Type   string `yaml:"type" mapstructure:"type"`
	Host   string `yaml:"host" mapstructure:"host"`
	Port   int    `yaml:"port" mapstructure:"port"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	UseTLS bool   `yaml:"use_tls" mapstructure:"use_tls"`

	// Collection holds the document corpus; QACollection the answer cache.
	Collection   string `yaml:"collection" mapstructure:"collection"`
	QACollection string `yaml:"qa_collection" mapstructure:"qa_collection"`
}

// MongoConfig configures the message/session store.
type MongoConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri"`
	Database string `yaml:"database" mapstructure:"database"`
}

// RedisConfig configures the conversation-history cache.
type RedisConfig struct {
	Addr       string `yaml:"addr" mapstructure:"addr"`
	Password   string `yaml:"password" mapstructure:"password"`
	DB         int    `yaml:"db" mapstructure:"db"`
	HistoryTTL int    `yaml:"history_ttl" mapstructure:"history_ttl"` // seconds
}

// PipelineConfig tunes the streaming chat pipeline.
type PipelineConfig struct {
	MaxIterations     int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	RequestTimeout    int     `yaml:"request_timeout" mapstructure:"request_timeout"` // seconds
	ToolTimeout       int     `yaml:"tool_timeout" mapstructure:"tool_timeout"`       // seconds
	ObservationLimit  int     `yaml:"observation_limit" mapstructure:"observation_limit"`
	BusCapacity       int     `yaml:"bus_capacity" mapstructure:"bus_capacity"`
	CandidateK        int     `yaml:"candidate_k" mapstructure:"candidate_k"`
	FinalK            int     `yaml:"final_k" mapstructure:"final_k"`
	DedupEpsilon      float64 `yaml:"dedup_epsilon" mapstructure:"dedup_epsilon"`
	ScoreFloor        float64 `yaml:"score_floor" mapstructure:"score_floor"`
	CacheHitThreshold float64 `yaml:"cache_hit_threshold" mapstructure:"cache_hit_threshold"`
	DislikeInvalidate int     `yaml:"dislike_invalidate" mapstructure:"dislike_invalidate"`
	MessageThreshold  int     `yaml:"message_threshold" mapstructure:"message_threshold"`
	TokenThreshold    int     `yaml:"token_threshold" mapstructure:"token_threshold"`
	FileTextLimit     int     `yaml:"file_text_limit" mapstructure:"file_text_limit"`
}

// ToolsConfig configures the built-in tool backends. Empty endpoints
// disable the corresponding tool.
type ToolsConfig struct {
	WebSearchEndpoint string `yaml:"web_search_endpoint" mapstructure:"web_search_endpoint"`
	WeatherEndpoint   string `yaml:"weather_endpoint" mapstructure:"weather_endpoint"`
	GeoEndpoint       string `yaml:"geo_endpoint" mapstructure:"geo_endpoint"`
	GeoAPIKey         string `yaml:"geo_api_key" mapstructure:"geo_api_key"`

	SMTPHost string `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port" mapstructure:"smtp_port"`
	SMTPUser string `yaml:"smtp_user" mapstructure:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass" mapstructure:"smtp_pass"`
	SMTPFrom string `yaml:"smtp_from" mapstructure:"smtp_from"`
}

// SetDefaults fills every unset field with its documented default.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Chat.Type == "" {
		c.Chat.Type = "openai"
	}
	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = 0.7
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = 4096
	}
	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = 120
	}
	if c.Chat.MaxRetries == 0 {
		c.Chat.MaxRetries = 2
	}

	if c.Embedder.Type == "" {
		c.Embedder.Type = "openai"
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1024
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30
	}
	if c.Embedder.MaxRetries == 0 {
		c.Embedder.MaxRetries = 3
	}

	if c.Reranker.Timeout == 0 {
		c.Reranker.Timeout = 30
	}
	if c.Reranker.MaxRetries == 0 {
		c.Reranker.MaxRetries = 2
	}

	if c.VectorStore.Type == "" {
		c.VectorStore.Type = "milvus"
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = "sage_corpus"
	}
	if c.VectorStore.QACollection == "" {
		c.VectorStore.QACollection = "sage_qa_cache"
	}

	if c.Mongo.Database == "" {
		c.Mongo.Database = "sage"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.HistoryTTL == 0 {
		c.Redis.HistoryTTL = 86400
	}

	p := &c.Pipeline
	if p.MaxIterations == 0 {
		p.MaxIterations = 5
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 120
	}
	if p.ToolTimeout == 0 {
		p.ToolTimeout = 30
	}
	if p.ObservationLimit == 0 {
		p.ObservationLimit = 10000
	}
	if p.BusCapacity == 0 {
		p.BusCapacity = 1024
	}
	if p.CandidateK == 0 {
		p.CandidateK = 15
	}
	if p.FinalK == 0 {
		p.FinalK = 5
	}
	if p.DedupEpsilon == 0 {
		p.DedupEpsilon = 0.02
	}
	if p.ScoreFloor == 0 {
		p.ScoreFloor = -100
	}
	if p.CacheHitThreshold == 0 {
		p.CacheHitThreshold = 0.95
	}
	if p.DislikeInvalidate == 0 {
		p.DislikeInvalidate = 1
	}
	if p.MessageThreshold == 0 {
		p.MessageThreshold = 10
	}
	if p.TokenThreshold == 0 {
		p.TokenThreshold = 6400
	}
	if p.FileTextLimit == 0 {
		p.FileTextLimit = 8000
	}

	if c.Tools.SMTPPort == 0 {
		c.Tools.SMTPPort = 587
	}
}

// Validate checks cross-field consistency. It assumes SetDefaults ran.
func (c *Config) Validate() error {
	switch c.Chat.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported chat provider type: %s", c.Chat.Type)
	}
	if c.Chat.Host == "" {
		return fmt.Errorf("chat.host is required")
	}
	if c.Chat.Model == "" {
		return fmt.Errorf("chat.model is required")
	}

	switch c.Embedder.Type {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unsupported embedder type: %s", c.Embedder.Type)
	}
	if c.Embedder.Host == "" {
		return fmt.Errorf("embedder.host is required")
	}
	if c.Embedder.Dimension <= 0 {
		return fmt.Errorf("embedder.dimension must be positive")
	}

	switch c.Reranker.Type {
	case "", "tei", "cohere":
	default:
		return fmt.Errorf("unsupported reranker type: %s", c.Reranker.Type)
	}
	if c.Reranker.Type != "" && c.Reranker.Host == "" {
		return fmt.Errorf("reranker.host is required when reranker.type is set")
	}

	switch c.VectorStore.Type {
	case "milvus", "qdrant", "chromem":
	default:
		return fmt.Errorf("unsupported vector store type: %s", c.VectorStore.Type)
	}
	if c.VectorStore.Type != "chromem" && c.VectorStore.Host == "" {
		return fmt.Errorf("vector_store.host is required")
	}
	if c.VectorStore.Collection == c.VectorStore.QACollection {
		return fmt.Errorf("vector_store.collection and qa_collection must differ")
	}

	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}

	if c.Pipeline.CacheHitThreshold < 0 || c.Pipeline.CacheHitThreshold > 1 {
		return fmt.Errorf("pipeline.cache_hit_threshold must be in [0,1]")
	}
	if c.Pipeline.MaxIterations < 1 {
		return fmt.Errorf("pipeline.max_iterations must be at least 1")
	}
	if c.Pipeline.BusCapacity < 1024 {
		return fmt.Errorf("pipeline.bus_capacity must be at least 1024")
	}
	return nil
}

// HistoryTTLDuration returns the history expiry as a time.Duration.
func (c *RedisConfig) HistoryTTLDuration() time.Duration {
	return time.Duration(c.HistoryTTL) * time.Second
}
