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

// Package databases provides vector-store adapters. One Provider interface,
// three backends: Milvus (HTTP), Qdrant (gRPC) and chromem (embedded).
package databases

import (
	"context"
	"fmt"

	"github.com/ragkit/sage/pkg/config"
)

// Document is one row to upsert: id, vector and scalar metadata.
type Document struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
}

// Result is one search hit, ordered by decreasing cosine similarity.
type Result struct {
	ID       string
	Score    float32
	Metadata map[string]interface{}
}

// Condition is one scalar predicate. AllowMissing additionally matches rows
// that lack the field entirely (legacy rows without it).
type Condition struct {
	Field        string
	Equals       interface{}
	AllowMissing bool
}

// Filter is a conjunction of conditions.
type Filter []Condition

// Matches evaluates the filter against a metadata map. Used by in-process
// providers and by tests; remote providers compile the filter to their own
// expression dialect.
func (f Filter) Matches(metadata map[string]interface{}) bool {
	for _, cond := range f {
		value, ok := metadata[cond.Field]
		if !ok {
			if cond.AllowMissing {
				continue
			}
			return false
		}
		if !looseEquals(value, cond.Equals) {
			return false
		}
	}
	return true
}

// looseEquals compares scalars across the numeric types JSON decoding
// produces.
func looseEquals(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Provider is the uniform vector-store surface. Implementations must be
// safe for concurrent use; upserts are idempotent on id.
type Provider interface {
	// EnsureCollection creates the collection if it does not exist, with
	// the given dimension and cosine metric.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert writes documents in batches. Re-upserting an id replaces it.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Search returns up to topK hits ordered by decreasing cosine
	// similarity; fewer than topK matches is not an error. The provider
	// lazily ensures the collection is query-ready.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error)

	// DeleteByID removes a single row.
	DeleteByID(ctx context.Context, collection string, id string) error

	// DeleteByFilter removes all matching rows. A subsequent search sees a
	// consistent view within the backend's staleness window.
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	Close() error
}

// NewProvider constructs the vector store selected by cfg.Type.
func NewProvider(cfg config.VectorStoreConfig) (Provider, error) {
	switch cfg.Type {
	case "milvus":
		return NewMilvusProvider(cfg)
	case "qdrant":
		return NewQdrantProvider(cfg)
	case "chromem":
		return NewChromemProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
}
