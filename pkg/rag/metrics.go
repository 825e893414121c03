package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_rag_searches_total",
		Help: "Number of retrieval pipeline runs.",
	})
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sage_rag_search_duration_seconds",
		Help:    "End-to-end retrieval latency, embed through format.",
		Buckets: prometheus.DefBuckets,
	})
	rerankFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_rag_rerank_fallbacks_total",
		Help: "Rerank failures that fell back to cosine ordering.",
	})
	indexedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sage_rag_indexed_chunks_total",
		Help: "Chunks written to the corpus collection.",
	})
)
