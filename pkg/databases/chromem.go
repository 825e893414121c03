package databases

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemProvider is an embedded, in-process vector store backed by
// chromem-go. Useful for tests and single-binary deployments. Search filters
// are applied in-process after an over-fetched query, since chromem where
// clauses cannot express AllowMissing.
type ChromemProvider struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemProvider creates an empty in-memory store.
func NewChromemProvider() *ChromemProvider {
	// Vectors are always supplied by the caller; the embedding func is
	// only wired so chromem never reaches for its default.
	identityEmbed := func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("embedding must be precomputed")
	}
	return &ChromemProvider{
		db:            chromem.NewDB(),
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}
}

func (p *ChromemProvider) Close() error { return nil }

func (p *ChromemProvider) collection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) EnsureCollection(_ context.Context, collection string, _ int) error {
	_, err := p.collection(collection)
	return err
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to replace documents: %w", err)
	}

	rows := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, chromem.Document{
			ID:        doc.ID,
			Embedding: doc.Vector,
			Metadata:  stringifyMetadata(doc.Metadata),
			Content:   " ",
		})
	}
	if err := col.AddDocuments(ctx, rows, 1); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}

	// Over-fetch so the in-process filter still fills topK.
	nResults := topK * 4
	if len(filter) == 0 {
		nResults = topK
	}
	if nResults > count {
		nResults = count
	}

	hits, err := col.QueryEmbedding(ctx, vector, nResults, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, topK)
	for _, hit := range hits {
		metadata := parseMetadata(hit.Metadata)
		if !filter.Matches(metadata) {
			continue
		}
		results = append(results, Result{ID: hit.ID, Score: hit.Similarity, Metadata: metadata})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (p *ChromemProvider) DeleteByID(ctx context.Context, collection string, id string) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("refusing to delete with empty filter")
	}
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	where := make(map[string]string, len(filter))
	for _, cond := range filter {
		if cond.AllowMissing {
			return fmt.Errorf("chromem cannot delete with allow-missing condition on %q", cond.Field)
		}
		where[cond.Field] = fmt.Sprint(cond.Equals)
	}
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

// stringifyMetadata converts arbitrary scalar metadata to chromem's
// string-valued map.
func stringifyMetadata(metadata map[string]interface{}) map[string]string {
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		switch v := value.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}

// parseMetadata widens chromem's string map back to interface values,
// restoring scalars where they parse cleanly.
func parseMetadata(metadata map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = n
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			out[key] = b
			continue
		}
		out[key] = value
	}
	return out
}
