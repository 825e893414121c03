package llms

import (
	"fmt"

	"github.com/ragkit/sage/pkg/config"
)

// NewProvider constructs the chat provider selected by cfg.Type.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported chat provider type: %s", cfg.Type)
	}
}
