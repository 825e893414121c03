package databases

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/httpclient"
	"github.com/ragkit/sage/pkg/llms"
)

// Milvus field type codes, per the v1 HTTP API.
const (
	milvusTypeVarChar     = 21
	milvusTypeJSON        = 23
	milvusTypeFloatVector = 101
)

const milvusUpsertBatch = 100

// MilvusProvider speaks the Milvus v1 HTTP JSON API. Collections use a fixed
// schema: id (varchar primary key), vector (float, cosine) and metadata
// (dynamic JSON). Collections are loaded lazily before first search.
type MilvusProvider struct {
	cfg        config.VectorStoreConfig
	baseURL    string
	httpClient *httpclient.Client

	mu     sync.Mutex
	loaded map[string]bool
}

// NewMilvusProvider creates a provider from config.
func NewMilvusProvider(cfg config.VectorStoreConfig) (*MilvusProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required for Milvus")
	}
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		port = 9091
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	)
	return &MilvusProvider{
		cfg:        cfg,
		baseURL:    fmt.Sprintf("%s://%s:%d/api/v1", scheme, cfg.Host, port),
		httpClient: client,
		loaded:     make(map[string]bool),
	}, nil
}

func (p *MilvusProvider) Close() error { return nil }

func (p *MilvusProvider) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	var existence struct {
		Value bool `json:"value"`
	}
	if err := p.call(ctx, http.MethodGet, "/collection/existence", map[string]interface{}{
		"collection_name": collection,
	}, &existence); err != nil {
		return err
	}
	if existence.Value {
		return nil
	}

	schema := map[string]interface{}{
		"collection_name": collection,
		"schema": map[string]interface{}{
			"name":        collection,
			"autoID":      false,
			"description": "",
			"fields": []map[string]interface{}{
				{
					"name":          "id",
					"is_primary_key": true,
					"data_type":     milvusTypeVarChar,
					"type_params":   []map[string]string{{"key": "max_length", "value": "256"}},
				},
				{
					"name":      "metadata",
					"data_type": milvusTypeJSON,
				},
				{
					"name":        "vector",
					"data_type":   milvusTypeFloatVector,
					"type_params": []map[string]string{{"key": "dim", "value": fmt.Sprintf("%d", dimension)}},
				},
			},
		},
	}
	if err := p.call(ctx, http.MethodPost, "/collection", schema, nil); err != nil {
		return err
	}

	index := map[string]interface{}{
		"collection_name": collection,
		"field_name":      "vector",
		"extra_params": []map[string]string{
			{"key": "metric_type", "value": "COSINE"},
			{"key": "index_type", "value": "AUTOINDEX"},
			{"key": "params", "value": "{}"},
		},
	}
	return p.call(ctx, http.MethodPost, "/index", index, nil)
}

func (p *MilvusProvider) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	for start := 0; start < len(docs); start += milvusUpsertBatch {
		end := start + milvusUpsertBatch
		if end > len(docs) {
			end = len(docs)
		}
		if err := p.upsertBatch(ctx, collection, docs[start:end]); err != nil {
			return err
		}
	}
	p.invalidateLoad(collection)
	return nil
}

// upsertBatch deletes existing rows then inserts. Milvus v1 has no native
// upsert, so replace-by-id is delete + insert.
func (p *MilvusProvider) upsertBatch(ctx context.Context, collection string, docs []Document) error {
	ids := make([]string, len(docs))
	metadatas := make([]string, len(docs))
	vectors := make([][]float32, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		vectors[i] = doc.Vector
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", doc.ID, err)
		}
		metadatas[i] = string(meta)
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	deleteReq := map[string]interface{}{
		"collection_name": collection,
		"expr":            fmt.Sprintf("id in [%s]", strings.Join(quoted, ", ")),
	}
	if err := p.call(ctx, http.MethodDelete, "/entities", deleteReq, nil); err != nil {
		return err
	}

	insertReq := map[string]interface{}{
		"collection_name": collection,
		"fields_data": []map[string]interface{}{
			{"field_name": "id", "type": milvusTypeVarChar, "field": ids},
			{"field_name": "metadata", "type": milvusTypeJSON, "field": metadatas},
			{"field_name": "vector", "type": milvusTypeFloatVector, "field": vectors},
		},
		"num_rows": len(docs),
	}
	return p.call(ctx, http.MethodPost, "/entities", insertReq, nil)
}

func (p *MilvusProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	if err := p.ensureLoaded(ctx, collection); err != nil {
		return nil, err
	}

	searchReq := map[string]interface{}{
		"collection_name": collection,
		"output_fields":   []string{"metadata"},
		"vectors":         [][]float32{vector},
		"dsl_type":        1,
		"dsl":             buildMilvusExpr(filter),
		"search_params": []map[string]string{
			{"key": "anns_field", "value": "vector"},
			{"key": "topk", "value": fmt.Sprintf("%d", topK)},
			{"key": "metric_type", "value": "COSINE"},
			{"key": "params", "value": "{}"},
			{"key": "round_decimal", "value": "-1"},
		},
	}

	var out struct {
		Results struct {
			Scores []float32 `json:"scores"`
			IDs    struct {
				StrID struct {
					Data []string `json:"data"`
				} `json:"str_id"`
			} `json:"ids"`
			FieldsData []struct {
				FieldName string `json:"field_name"`
				Field     struct {
					Scalars struct {
						JSONData struct {
							Data []string `json:"data"`
						} `json:"json_data"`
					} `json:"scalars"`
				} `json:"field"`
			} `json:"fields_data"`
		} `json:"results"`
	}
	if err := p.call(ctx, http.MethodPost, "/search", searchReq, &out); err != nil {
		return nil, err
	}

	var metadatas []string
	for _, fd := range out.Results.FieldsData {
		if fd.FieldName == "metadata" {
			metadatas = fd.Field.Scalars.JSONData.Data
		}
	}

	results := make([]Result, 0, len(out.Results.IDs.StrID.Data))
	for i, id := range out.Results.IDs.StrID.Data {
		res := Result{ID: id}
		if i < len(out.Results.Scores) {
			res.Score = out.Results.Scores[i]
		}
		if i < len(metadatas) {
			var meta map[string]interface{}
			if err := json.Unmarshal([]byte(metadatas[i]), &meta); err == nil {
				res.Metadata = meta
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *MilvusProvider) DeleteByID(ctx context.Context, collection string, id string) error {
	req := map[string]interface{}{
		"collection_name": collection,
		"expr":            fmt.Sprintf("id in [%q]", id),
	}
	return p.call(ctx, http.MethodDelete, "/entities", req, nil)
}

func (p *MilvusProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	expr := buildMilvusExpr(filter)
	if expr == "" {
		return fmt.Errorf("refusing to delete with empty filter")
	}
	req := map[string]interface{}{
		"collection_name": collection,
		"expr":            expr,
	}
	return p.call(ctx, http.MethodDelete, "/entities", req, nil)
}

// buildMilvusExpr compiles a filter to a Milvus boolean expression over the
// dynamic metadata field.
func buildMilvusExpr(filter Filter) string {
	if len(filter) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(filter))
	for _, cond := range filter {
		field := fmt.Sprintf("metadata[%q]", cond.Field)
		var eq string
		switch v := cond.Equals.(type) {
		case string:
			eq = fmt.Sprintf("%s == %q", field, v)
		default:
			eq = fmt.Sprintf("%s == %v", field, v)
		}
		if cond.AllowMissing {
			clauses = append(clauses, fmt.Sprintf("(%s or not exists %s)", eq, field))
		} else {
			clauses = append(clauses, eq)
		}
	}
	return strings.Join(clauses, " and ")
}

func (p *MilvusProvider) ensureLoaded(ctx context.Context, collection string) error {
	p.mu.Lock()
	already := p.loaded[collection]
	p.mu.Unlock()
	if already {
		return nil
	}

	req := map[string]interface{}{"collection_name": collection}
	if err := p.call(ctx, http.MethodPost, "/collection/load", req, nil); err != nil {
		return err
	}

	p.mu.Lock()
	p.loaded[collection] = true
	p.mu.Unlock()
	return nil
}

// invalidateLoad forces a reload before the next search so fresh writes
// become visible.
func (p *MilvusProvider) invalidateLoad(collection string) {
	p.mu.Lock()
	delete(p.loaded, collection)
	p.mu.Unlock()
}

// call issues one JSON request and decodes the reply into out. Milvus wraps
// errors in a status object with a non-zero error_code.
func (p *MilvusProvider) call(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return llms.NewProtocolError("milvus", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return llms.NewProtocolError("milvus", fmt.Errorf("failed to create request: %w", err))
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return llms.WrapBackendError("milvus", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llms.WrapBackendError("milvus", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(raw))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return llms.WrapBackendError("milvus", err)
		}
		return llms.NewProtocolError("milvus", err)
	}

	var status struct {
		Status struct {
			ErrorCode int    `json:"error_code"`
			Reason    string `json:"reason"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &status); err == nil && status.Status.ErrorCode != 0 {
		return llms.NewProtocolError("milvus",
			fmt.Errorf("API error %d: %s", status.Status.ErrorCode, status.Status.Reason))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return llms.NewProtocolError("milvus", fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}
