package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/databases"
	"github.com/ragkit/sage/pkg/embedders"
)

// fakeEmbedder returns a constant unit vector per input.
type fakeEmbedder struct {
	dim   int
	calls []embedders.Mode
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, mode embedders.Mode) ([][]float32, error) {
	f.calls = append(f.calls, mode)
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

// fakeVectorStore records calls and replays scripted hits.
type fakeVectorStore struct {
	hits       []databases.Result
	searchErr  error
	lastFilter databases.Filter
	lastTopK   int
	upserted   []databases.Document
	deleted    []databases.Filter
}

func (f *fakeVectorStore) EnsureCollection(context.Context, string, int) error { return nil }

func (f *fakeVectorStore) Upsert(_ context.Context, _ string, docs []databases.Document) error {
	f.upserted = append(f.upserted, docs...)
	return nil
}

func (f *fakeVectorStore) Search(_ context.Context, _ string, _ []float32, topK int, filter databases.Filter) ([]databases.Result, error) {
	f.lastFilter = filter
	f.lastTopK = topK
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeVectorStore) DeleteByID(context.Context, string, string) error { return nil }

func (f *fakeVectorStore) DeleteByFilter(_ context.Context, _ string, filter databases.Filter) error {
	f.deleted = append(f.deleted, filter)
	return nil
}

func (f *fakeVectorStore) Close() error { return nil }

// fixedReranker returns scripted scores keyed by passage text.
type fixedReranker struct {
	scores map[string]float64
	err    error
}

func (r *fixedReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = r.scores[p]
	}
	return out, nil
}

func (r *fixedReranker) Close() error { return nil }

func hit(id, text string, score float32) databases.Result {
	return databases.Result{
		ID:    id,
		Score: score,
		Metadata: map[string]interface{}{
			metaDocUUID:  "doc-" + id,
			metaFilename: id + ".pdf",
			metaChunkID:  "0",
			metaText:     text,
		},
	}
}

func testPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		CandidateK:   15,
		FinalK:       5,
		DedupEpsilon: 0.02,
		ScoreFloor:   -100,
	}
}

func TestSearchPermissionFilter(t *testing.T) {
	store := &fakeVectorStore{}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	_, _, err := s.Search(context.Background(), "q", false, 5)
	require.NoError(t, err)
	require.Len(t, store.lastFilter, 1)
	assert.Equal(t, metaPermission, store.lastFilter[0].Field)
	assert.Equal(t, 0, store.lastFilter[0].Equals)
	assert.True(t, store.lastFilter[0].AllowMissing)

	_, _, err = s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	assert.Nil(t, store.lastFilter, "admin search must not filter on permission")
}

func TestSearchUsesQueryModeAndCandidateK(t *testing.T) {
	emb := &fakeEmbedder{dim: 4}
	store := &fakeVectorStore{}
	s := NewSearcher(emb, nil, store, "corpus", testPipeline(), nil)

	_, _, err := s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	assert.Equal(t, []embedders.Mode{embedders.ModeQuery}, emb.calls)
	assert.Equal(t, 15, store.lastTopK)
}

func TestSearchRerankReorder(t *testing.T) {
	store := &fakeVectorStore{hits: []databases.Result{
		hit("a", "alpha", 0.9),
		hit("b", "bravo", 0.8),
		hit("c", "charlie", 0.7),
	}}
	reranker := &fixedReranker{scores: map[string]float64{
		"alpha":   2.0,
		"bravo":   -100, // sentinel: model saw no relevance
		"charlie": 5.0,
	}}
	s := NewSearcher(&fakeEmbedder{dim: 4}, reranker, store, "corpus", testPipeline(), nil)

	_, passages, err := s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "charlie", passages[0].Text)
	assert.Equal(t, "alpha", passages[1].Text)
}

func TestSearchRerankFailureKeepsCosineOrder(t *testing.T) {
	store := &fakeVectorStore{hits: []databases.Result{
		hit("a", "alpha", 0.9),
		hit("b", "bravo", 0.8),
	}}
	reranker := &fixedReranker{err: errors.New("tei unreachable")}
	s := NewSearcher(&fakeEmbedder{dim: 4}, reranker, store, "corpus", testPipeline(), nil)

	_, passages, err := s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "alpha", passages[0].Text)
	assert.Equal(t, "bravo", passages[1].Text)
}

func TestSearchDedupDropsNearIdentical(t *testing.T) {
	long := strings.Repeat("the same paragraph of text ", 10)
	store := &fakeVectorStore{hits: []databases.Result{
		hit("a", long, 0.90),
		hit("b", long+"!", 0.895),
		hit("c", "something entirely different", 0.89),
	}}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	_, passages, err := s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "a", passages[0].ID)
	assert.Equal(t, "c", passages[1].ID)
}

func TestSearchTruncatesToFinalK(t *testing.T) {
	var hits []databases.Result
	for i := 0; i < 10; i++ {
		hits = append(hits, hit(fmt.Sprintf("h%d", i), fmt.Sprintf("passage %d", i), float32(1)-float32(i)/100))
	}
	store := &fakeVectorStore{hits: hits}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	_, passages, err := s.Search(context.Background(), "q", true, 3)
	require.NoError(t, err)
	assert.Len(t, passages, 3)
}

func TestSearchFormatsPassages(t *testing.T) {
	store := &fakeVectorStore{hits: []databases.Result{hit("a", "alpha text", 0.9)}}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	formatted, _, err := s.Search(context.Background(), "q", true, 5)
	require.NoError(t, err)
	assert.Equal(t, "[doc: a.pdf#0]\nalpha text", formatted)
}

func TestSearchEmptyResultIsNotError(t *testing.T) {
	store := &fakeVectorStore{}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	formatted, passages, err := s.Search(context.Background(), "q", false, 5)
	require.NoError(t, err)
	assert.Empty(t, formatted)
	assert.Empty(t, passages)
}

func TestIndexBuildsChunkIDs(t *testing.T) {
	emb := &fakeEmbedder{dim: 4}
	store := &fakeVectorStore{}
	s := NewSearcher(emb, nil, store, "corpus", testPipeline(), nil)

	err := s.Index(context.Background(), []Chunk{
		{DocUUID: "doc-1", Filename: "a.pdf", Permission: 1, ChunkID: 0, Text: "first"},
		{DocUUID: "doc-1", Filename: "a.pdf", Permission: 1, ChunkID: 1, Text: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, []embedders.Mode{embedders.ModePassage}, emb.calls)

	require.Len(t, store.upserted, 2)
	assert.Equal(t, "doc-1#0", store.upserted[0].ID)
	assert.Equal(t, "doc-1#1", store.upserted[1].ID)
	assert.Equal(t, 1, store.upserted[0].Metadata[metaPermission])
	assert.Equal(t, "first", store.upserted[0].Metadata[metaText])
}

func TestDeleteDocumentFilters(t *testing.T) {
	store := &fakeVectorStore{}
	s := NewSearcher(&fakeEmbedder{dim: 4}, nil, store, "corpus", testPipeline(), nil)

	require.NoError(t, s.DeleteDocument(context.Background(), "doc-9"))
	require.Len(t, store.deleted, 1)
	assert.Equal(t, databases.Filter{{Field: metaDocUUID, Equals: "doc-9"}}, store.deleted[0])
}
