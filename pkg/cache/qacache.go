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

// Package cache implements the question-answer cache: a vector collection
// keyed by thought-chain id, probed by semantic similarity before the
// reasoning pipeline runs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ragkit/sage/pkg/databases"
	"github.com/ragkit/sage/pkg/embedders"
	"github.com/ragkit/sage/pkg/protocol"
)

// Metadata keys on QA-cache rows.
const (
	metaQuestion  = "question"
	metaAnswer    = "answer"
	metaCitations = "citations"
	metaCreatedAt = "created_at"
)

const dislikeKeyPrefix = "qa:dislikes:"

// ThoughtChainID derives the canonical cache key from a finalised
// question/answer pair: first 32 hex chars of its SHA-256.
func ThoughtChainID(question, answer string) string {
	sum := sha256.Sum256([]byte(question + "\x00" + answer))
	return hex.EncodeToString(sum[:])[:32]
}

// Entry is one cached answer.
type Entry struct {
	ThoughtChainID string
	Question       string
	Answer         string
	Citations      []protocol.DocumentRef
	CreatedAt      time.Time
}

// counterStore is the slice of the Redis API the cache needs for feedback
// counters.
type counterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// QACache wraps the vector collection plus the Redis-backed feedback
// counters.
type QACache struct {
	embedder   embedders.Embedder
	store      databases.Provider
	counters   counterStore
	collection string

	hitThreshold float64
	dislikeLimit int
	logger       *slog.Logger
}

// New wires a cache. dislikeLimit negatives delete the entry.
func New(
	embedder embedders.Embedder,
	store databases.Provider,
	counters counterStore,
	collection string,
	hitThreshold float64,
	dislikeLimit int,
	logger *slog.Logger,
) *QACache {
	if logger == nil {
		logger = slog.Default()
	}
	if hitThreshold <= 0 {
		hitThreshold = 0.95
	}
	if dislikeLimit <= 0 {
		dislikeLimit = 1
	}
	return &QACache{
		embedder:     embedder,
		store:        store,
		counters:     counters,
		collection:   collection,
		hitThreshold: hitThreshold,
		dislikeLimit: dislikeLimit,
		logger:       logger,
	}
}

// EnsureReady creates the cache collection if needed.
func (c *QACache) EnsureReady(ctx context.Context) error {
	return c.store.EnsureCollection(ctx, c.collection, c.embedder.Dimension())
}

// Lookup probes the cache for a semantically equivalent question. Returns
// (nil, score, nil) on a miss below the threshold.
func (c *QACache) Lookup(ctx context.Context, question string) (*Entry, float64, error) {
	vectors, err := c.embedder.Embed(ctx, []string{question}, embedders.ModeQuery)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to embed question: %w", err)
	}
	hits, err := c.store.Search(ctx, c.collection, vectors[0], 1, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cache search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, 0, nil
	}

	score := float64(hits[0].Score)
	if score < c.hitThreshold {
		return nil, score, nil
	}
	entry := entryFromResult(hits[0])
	c.logger.Debug("qa cache hit", "thought_chain_id", entry.ThoughtChainID, "score", score)
	return &entry, score, nil
}

// Upsert stores a finalised answer. Idempotent on thought-chain id. The
// question vector uses query mode so it is directly comparable to probes.
func (c *QACache) Upsert(ctx context.Context, entry Entry) error {
	if entry.ThoughtChainID == "" {
		entry.ThoughtChainID = ThoughtChainID(entry.Question, entry.Answer)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	vectors, err := c.embedder.Embed(ctx, []string{entry.Question}, embedders.ModeQuery)
	if err != nil {
		return fmt.Errorf("failed to embed question: %w", err)
	}

	citations, err := json.Marshal(entry.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	doc := databases.Document{
		ID:     entry.ThoughtChainID,
		Vector: vectors[0],
		Metadata: map[string]interface{}{
			metaQuestion:  entry.Question,
			metaAnswer:    entry.Answer,
			metaCitations: string(citations),
			metaCreatedAt: entry.CreatedAt.Format(time.RFC3339),
		},
	}
	return c.store.Upsert(ctx, c.collection, []databases.Document{doc})
}

// Delete removes one entry and resets its feedback counter.
func (c *QACache) Delete(ctx context.Context, thoughtChainID string) error {
	if err := c.store.DeleteByID(ctx, c.collection, thoughtChainID); err != nil {
		return err
	}
	if c.counters != nil {
		if err := c.counters.Del(ctx, dislikeKeyPrefix+thoughtChainID).Err(); err != nil {
			c.logger.Warn("failed to reset dislike counter", "thought_chain_id", thoughtChainID, "error", err)
		}
	}
	return nil
}

// RecordFeedback counts a like or dislike. Enough dislikes delete the
// entry synchronously.
func (c *QACache) RecordFeedback(ctx context.Context, thoughtChainID string, positive bool) error {
	if positive || c.counters == nil {
		return nil
	}
	count, err := c.counters.Incr(ctx, dislikeKeyPrefix+thoughtChainID).Result()
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	if int(count) >= c.dislikeLimit {
		c.logger.Info("invalidating disliked cache entry", "thought_chain_id", thoughtChainID, "dislikes", count)
		return c.Delete(ctx, thoughtChainID)
	}
	return nil
}

func entryFromResult(hit databases.Result) Entry {
	entry := Entry{ThoughtChainID: hit.ID}
	if v, ok := hit.Metadata[metaQuestion].(string); ok {
		entry.Question = v
	}
	if v, ok := hit.Metadata[metaAnswer].(string); ok {
		entry.Answer = v
	}
	if v, ok := hit.Metadata[metaCitations].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &entry.Citations)
	}
	if v, ok := hit.Metadata[metaCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			entry.CreatedAt = t
		}
	}
	return entry
}
