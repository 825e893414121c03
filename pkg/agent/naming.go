package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragkit/sage/pkg/llms"
)

// maxSessionNameRunes bounds auto-generated session titles.
const maxSessionNameRunes = 20

const namingSystemPrompt = "Generate a short title for a conversation that starts with the given question. At most 20 characters, no quotes, no trailing punctuation. Reply with the title only."

// Namer generates session titles from the first question.
type Namer struct {
	provider llms.Provider
	logger   *slog.Logger
}

// NewNamer wires a namer.
func NewNamer(provider llms.Provider, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{provider: provider, logger: logger}
}

// GenerateName asks the model for a title and enforces the length bound.
func (n *Namer) GenerateName(ctx context.Context, question string) (string, error) {
	resp, _, err := n.provider.Generate(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: namingSystemPrompt},
		{Role: llms.RoleUser, Content: question},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate session name: %w", err)
	}

	name := strings.TrimSpace(resp)
	name = strings.Trim(name, `"'`)
	if name == "" {
		return "", fmt.Errorf("model returned an empty session name")
	}
	runes := []rune(name)
	if len(runes) > maxSessionNameRunes {
		name = string(runes[:maxSessionNameRunes])
	}
	return name, nil
}
