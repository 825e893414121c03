package cache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragkit/sage/pkg/databases"
	"github.com/ragkit/sage/pkg/embedders"
	"github.com/ragkit/sage/pkg/protocol"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ embedders.Mode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Close() error      { return nil }

type fakeVectorStore struct {
	hits       []databases.Result
	upserted   []databases.Document
	deletedIDs []string
}

func (f *fakeVectorStore) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeVectorStore) Upsert(_ context.Context, _ string, docs []databases.Document) error {
	f.upserted = append(f.upserted, docs...)
	return nil
}

func (f *fakeVectorStore) Search(context.Context, string, []float32, int, databases.Filter) ([]databases.Result, error) {
	return f.hits, nil
}

func (f *fakeVectorStore) DeleteByID(_ context.Context, _ string, id string) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func (f *fakeVectorStore) DeleteByFilter(context.Context, string, databases.Filter) error {
	return nil
}

func (f *fakeVectorStore) Close() error { return nil }

// fakeCounters is an in-memory stand-in for the Redis feedback counters.
type fakeCounters struct {
	counts map[string]int64
}

func newFakeCounters() *fakeCounters { return &fakeCounters{counts: map[string]int64{}} }

func (f *fakeCounters) Incr(_ context.Context, key string) *redis.IntCmd {
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounters) Del(_ context.Context, keys ...string) *redis.IntCmd {
	removed := int64(0)
	for _, key := range keys {
		if _, ok := f.counts[key]; ok {
			delete(f.counts, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func cacheHit(id, question, answer string, score float32) databases.Result {
	citations, _ := json.Marshal([]protocol.DocumentRef{{UUID: "d1", Name: "doc.pdf"}})
	return databases.Result{
		ID:    id,
		Score: score,
		Metadata: map[string]interface{}{
			metaQuestion:  question,
			metaAnswer:    answer,
			metaCitations: string(citations),
			metaCreatedAt: "2025-06-01T12:00:00Z",
		},
	}
}

func TestThoughtChainIDStable(t *testing.T) {
	a := ThoughtChainID("what is sage?", "a retrieval service")
	b := ThoughtChainID("what is sage?", "a retrieval service")
	c := ThoughtChainID("what is sage?", "something else")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	// The pair is hashed with a separator, not by concatenation.
	assert.NotEqual(t, ThoughtChainID("ab", "c"), ThoughtChainID("a", "bc"))
}

func TestLookupAboveThreshold(t *testing.T) {
	store := &fakeVectorStore{hits: []databases.Result{cacheHit("chain-1", "q", "cached answer", 0.97)}}
	c := New(&fakeEmbedder{dim: 4}, store, newFakeCounters(), "qa", 0.95, 1, nil)

	entry, score, err := c.Lookup(context.Background(), "q")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "chain-1", entry.ThoughtChainID)
	assert.Equal(t, "cached answer", entry.Answer)
	require.Len(t, entry.Citations, 1)
	assert.Equal(t, "d1", entry.Citations[0].UUID)
	assert.InDelta(t, 0.97, score, 1e-6)
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	store := &fakeVectorStore{hits: []databases.Result{cacheHit("chain-1", "q", "a", 0.94)}}
	c := New(&fakeEmbedder{dim: 4}, store, newFakeCounters(), "qa", 0.95, 1, nil)

	entry, score, err := c.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.InDelta(t, 0.94, score, 1e-6)
}

func TestLookupEmptyCollection(t *testing.T) {
	c := New(&fakeEmbedder{dim: 4}, &fakeVectorStore{}, newFakeCounters(), "qa", 0.95, 1, nil)

	entry, score, err := c.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Zero(t, score)
}

func TestUpsertDerivesChainID(t *testing.T) {
	store := &fakeVectorStore{}
	c := New(&fakeEmbedder{dim: 4}, store, newFakeCounters(), "qa", 0.95, 1, nil)

	err := c.Upsert(context.Background(), Entry{
		Question:  "q",
		Answer:    "a",
		Citations: []protocol.DocumentRef{{UUID: "d1", Name: "doc.pdf"}},
	})
	require.NoError(t, err)

	require.Len(t, store.upserted, 1)
	doc := store.upserted[0]
	assert.Equal(t, ThoughtChainID("q", "a"), doc.ID)
	assert.Equal(t, "q", doc.Metadata[metaQuestion])
	assert.Equal(t, "a", doc.Metadata[metaAnswer])
	assert.NotEmpty(t, doc.Metadata[metaCreatedAt])

	var citations []protocol.DocumentRef
	require.NoError(t, json.Unmarshal([]byte(doc.Metadata[metaCitations].(string)), &citations))
	require.Len(t, citations, 1)
	assert.Equal(t, "d1", citations[0].UUID)
}

func TestRecordFeedbackPositiveIsNoOp(t *testing.T) {
	store := &fakeVectorStore{}
	counters := newFakeCounters()
	c := New(&fakeEmbedder{dim: 4}, store, counters, "qa", 0.95, 1, nil)

	require.NoError(t, c.RecordFeedback(context.Background(), "chain-1", true))
	assert.Empty(t, counters.counts)
	assert.Empty(t, store.deletedIDs)
}

func TestRecordFeedbackDislikeInvalidatesAtLimit(t *testing.T) {
	store := &fakeVectorStore{}
	counters := newFakeCounters()
	c := New(&fakeEmbedder{dim: 4}, store, counters, "qa", 0.95, 2, nil)

	require.NoError(t, c.RecordFeedback(context.Background(), "chain-1", false))
	assert.Empty(t, store.deletedIDs, "first dislike stays below the limit")

	require.NoError(t, c.RecordFeedback(context.Background(), "chain-1", false))
	assert.Equal(t, []string{"chain-1"}, store.deletedIDs)
	// The counter resets with the entry.
	assert.Empty(t, counters.counts)
}

func TestDeleteResetsCounter(t *testing.T) {
	store := &fakeVectorStore{}
	counters := newFakeCounters()
	counters.counts[dislikeKeyPrefix+"chain-1"] = 3
	c := New(&fakeEmbedder{dim: 4}, store, counters, "qa", 0.95, 1, nil)

	require.NoError(t, c.Delete(context.Background(), "chain-1"))
	assert.Equal(t, []string{"chain-1"}, store.deletedIDs)
	assert.Empty(t, counters.counts)
}
