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

// Package rerankers provides cross-encoder rerank providers. Scores are
// unnormalised signed logits: ordered comparisons are meaningful, absolute
// values are not.
package rerankers

import (
	"context"
	"fmt"

	"github.com/ragkit/sage/pkg/config"
)

// SentinelScore is the reserved "no score" value some backends emit for
// inputs they refuse to score. Consumers must filter it out.
const SentinelScore = -100

// Reranker scores passages against a query. The returned slice is aligned
// by index with the input passages.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
	Close() error
}

// NewReranker constructs the reranker selected by cfg.Type. An empty type
// returns (nil, nil): reranking disabled.
func NewReranker(cfg config.RerankerConfig) (Reranker, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "tei":
		return NewTEIReranker(cfg)
	case "cohere":
		return NewCohereReranker(cfg)
	default:
		return nil, fmt.Errorf("unsupported reranker type: %s", cfg.Type)
	}
}
