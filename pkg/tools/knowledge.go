package tools

import (
	"context"

	"github.com/ragkit/sage/pkg/protocol"
	"github.com/ragkit/sage/pkg/rag"
)

// KnowledgeSearchTool retrieves passages from the document corpus. Matched
// documents are reported through the invocation citation channel so the
// engine can emit them before Done.
type KnowledgeSearchTool struct {
	searcher *rag.Searcher
	defaultK int
}

// NewKnowledgeSearchTool wraps a searcher. defaultK is used when the model
// omits k.
func NewKnowledgeSearchTool(searcher *rag.Searcher, defaultK int) *KnowledgeSearchTool {
	if defaultK <= 0 {
		defaultK = 5
	}
	return &KnowledgeSearchTool{searcher: searcher, defaultK: defaultK}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }

func (t *KnowledgeSearchTool) Description() string {
	return "Search the internal knowledge base for passages relevant to a query. Use this before answering questions about internal documents."
}

func (t *KnowledgeSearchTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "query", Type: TypeString, Required: true, Description: "Search query"},
		{Name: "k", Type: TypeInteger, Required: false, Description: "Number of passages to return"},
	}
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args Arguments) (string, error) {
	query := args.String("query", "")
	k := args.Int("k", t.defaultK)

	admin := false
	inv := InvocationFrom(ctx)
	if inv != nil {
		admin = inv.Admin
	}

	formatted, passages, err := t.searcher.Search(ctx, query, admin, k)
	if err != nil {
		return "", err
	}
	if len(passages) == 0 {
		return "No relevant passages found in the knowledge base.", nil
	}

	if inv != nil {
		refs := make([]protocol.DocumentRef, 0, len(passages))
		for _, p := range passages {
			refs = append(refs, protocol.DocumentRef{UUID: p.DocUUID, Name: p.Filename})
		}
		inv.AddCitations(refs...)
	}
	return formatted, nil
}
