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

// Package rag implements semantic retrieval over the document corpus:
// embed, vector search, rerank, dedup, format.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/databases"
	"github.com/ragkit/sage/pkg/embedders"
	"github.com/ragkit/sage/pkg/rerankers"
)

// Metadata keys on corpus rows.
const (
	metaDocUUID    = "doc_uuid"
	metaFilename   = "filename"
	metaUploader   = "uploader"
	metaPermission = "permission"
	metaChunkID    = "chunk_id"
	metaText       = "text"
)

// Chunk is one piece of a document to index.
type Chunk struct {
	DocUUID    string
	Filename   string
	Uploader   string
	Permission int
	ChunkID    int
	Text       string
}

// Passage is one retrieved chunk with its scores. Score is cosine
// similarity; RerankScore is a signed logit, only meaningful when reranking
// ran.
type Passage struct {
	ID          string
	DocUUID     string
	Filename    string
	ChunkID     string
	Text        string
	Score       float64
	RerankScore float64
}

// Searcher runs the retrieval pipeline against one corpus collection.
type Searcher struct {
	embedder embedders.Embedder
	reranker rerankers.Reranker // nil disables reranking
	store    databases.Provider

	collection string
	pipeline   config.PipelineConfig
	logger     *slog.Logger
}

// NewSearcher wires the pipeline. reranker may be nil.
func NewSearcher(
	embedder embedders.Embedder,
	reranker rerankers.Reranker,
	store databases.Provider,
	collection string,
	pipeline config.PipelineConfig,
	logger *slog.Logger,
) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		embedder:   embedder,
		reranker:   reranker,
		store:      store,
		collection: collection,
		pipeline:   pipeline,
		logger:     logger,
	}
}

// EnsureReady creates the corpus collection if needed.
func (s *Searcher) EnsureReady(ctx context.Context) error {
	return s.store.EnsureCollection(ctx, s.collection, s.embedder.Dimension())
}

// Index embeds and upserts chunks. Re-indexing a chunk id replaces it.
func (s *Searcher) Index(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts, embedders.ModePassage)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]databases.Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, databases.Document{
			ID:     fmt.Sprintf("%s#%d", c.DocUUID, c.ChunkID),
			Vector: vectors[i],
			Metadata: map[string]interface{}{
				metaDocUUID:    c.DocUUID,
				metaFilename:   c.Filename,
				metaUploader:   c.Uploader,
				metaPermission: c.Permission,
				metaChunkID:    c.ChunkID,
				metaText:       c.Text,
			},
		})
	}
	indexedChunks.Add(float64(len(docs)))
	return s.store.Upsert(ctx, s.collection, docs)
}

// DeleteDocument removes every chunk of one document.
func (s *Searcher) DeleteDocument(ctx context.Context, docUUID string) error {
	return s.store.DeleteByFilter(ctx, s.collection, databases.Filter{
		{Field: metaDocUUID, Equals: docUUID},
	})
}

// Search retrieves, reranks and deduplicates passages for a query, and
// formats them for prompt insertion. Non-admin callers only see rows with
// permission == 0 or no permission field at all. An empty result is not an
// error.
func (s *Searcher) Search(ctx context.Context, query string, admin bool, finalK int) (string, []Passage, error) {
	start := time.Now()
	defer func() {
		searchDuration.Observe(time.Since(start).Seconds())
	}()
	searchesTotal.Inc()

	if finalK <= 0 {
		finalK = s.pipeline.FinalK
	}
	candidateK := s.pipeline.CandidateK
	if candidateK < finalK {
		candidateK = finalK
	}

	vectors, err := s.embedder.Embed(ctx, []string{query}, embedders.ModeQuery)
	if err != nil {
		return "", nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return "", nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	var filter databases.Filter
	if !admin {
		filter = databases.Filter{
			{Field: metaPermission, Equals: 0, AllowMissing: true},
		}
	}

	hits, err := s.store.Search(ctx, s.collection, vectors[0], candidateK, filter)
	if err != nil {
		return "", nil, fmt.Errorf("vector search failed: %w", err)
	}
	if len(hits) == 0 {
		return "", nil, nil
	}

	passages := make([]Passage, 0, len(hits))
	for _, hit := range hits {
		passages = append(passages, passageFromResult(hit))
	}

	passages = s.rerank(ctx, query, passages)
	passages = dedup(passages, s.pipeline.DedupEpsilon)
	if len(passages) > finalK {
		passages = passages[:finalK]
	}

	return formatPassages(passages), passages, nil
}

// rerank reorders passages by cross-encoder score, descending, ties broken
// by cosine similarity. Sentinel-scored passages are dropped. On rerank
// failure the cosine ordering is kept.
func (s *Searcher) rerank(ctx context.Context, query string, passages []Passage) []Passage {
	if s.reranker == nil || len(passages) == 0 {
		return passages
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	scores, err := s.reranker.Rerank(ctx, query, texts)
	if err != nil || len(scores) != len(passages) {
		rerankFallbacks.Inc()
		s.logger.Warn("rerank failed, falling back to cosine ordering", "error", err)
		return passages
	}

	kept := make([]Passage, 0, len(passages))
	for i, p := range passages {
		if scores[i] <= s.pipeline.ScoreFloor {
			continue
		}
		p.RerankScore = scores[i]
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].RerankScore != kept[j].RerankScore {
			return kept[i].RerankScore > kept[j].RerankScore
		}
		return kept[i].Score > kept[j].Score
	})
	return kept
}

// dedup walks passages in order and drops near-duplicates: score within
// epsilon of a kept passage and near-identical text.
func dedup(passages []Passage, epsilon float64) []Passage {
	kept := make([]Passage, 0, len(passages))
	for _, candidate := range passages {
		duplicate := false
		for _, k := range kept {
			if math.Abs(effectiveScore(candidate)-effectiveScore(k)) < epsilon && nearIdentical(candidate.Text, k.Text) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func effectiveScore(p Passage) float64 {
	if p.RerankScore != 0 {
		return p.RerankScore
	}
	return p.Score
}

// nearIdentical reports whether two chunk texts are the same content modulo
// trivial edits: length ratio >= 0.98 and character overlap >= 98%.
func nearIdentical(a, b string) bool {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return la == lb
	}
	shorter, longer := la, lb
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	if float64(shorter)/float64(longer) < 0.98 {
		return false
	}
	return charOverlap(a, b) >= 0.98
}

// charOverlap computes multiset character intersection over the longer
// text's length.
func charOverlap(a, b string) float64 {
	counts := make(map[rune]int)
	lenA := 0
	for _, r := range a {
		counts[r]++
		lenA++
	}
	lenB := 0
	shared := 0
	for _, r := range b {
		lenB++
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}
	longer := lenA
	if lenB > longer {
		longer = lenB
	}
	return float64(shared) / float64(longer)
}

// formatPassages renders passages for the system prompt.
func formatPassages(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(passages))
	for _, p := range passages {
		blocks = append(blocks, fmt.Sprintf("[doc: %s#%s]\n%s", p.Filename, p.ChunkID, p.Text))
	}
	return strings.Join(blocks, "\n\n")
}

func passageFromResult(hit databases.Result) Passage {
	p := Passage{ID: hit.ID, Score: float64(hit.Score)}
	if v, ok := hit.Metadata[metaDocUUID].(string); ok {
		p.DocUUID = v
	}
	if v, ok := hit.Metadata[metaFilename].(string); ok {
		p.Filename = v
	}
	if v, ok := hit.Metadata[metaText].(string); ok {
		p.Text = v
	}
	switch v := hit.Metadata[metaChunkID].(type) {
	case string:
		p.ChunkID = v
	case float64:
		p.ChunkID = fmt.Sprintf("%d", int(v))
	case int:
		p.ChunkID = fmt.Sprintf("%d", v)
	case int64:
		p.ChunkID = fmt.Sprintf("%d", v)
	}
	return p
}
