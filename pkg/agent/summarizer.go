package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragkit/sage/pkg/llms"
)

// SummaryPrefix marks a system entry as a conversation summary. The prompt
// template tolerates such an entry anywhere in the oldest slot, and
// summaries of summaries accumulate through it.
const SummaryPrefix = "[Conversation summary] "

// keepRecentMessages is the tail never compressed away: the four most
// recent user/assistant turn pairs.
const keepRecentMessages = 8

const summarizeSystemPrompt = "You compress conversation history. Produce a concise, neutral, third-person summary of the conversation below. Preserve facts, decisions, names and numbers. Reply with the summary only."

// Summarizer compresses old history into a single system-summary entry
// once the conversation exceeds the configured thresholds.
type Summarizer struct {
	provider         llms.Provider
	counter          *TokenCounter
	messageThreshold int
	tokenThreshold   int
	logger           *slog.Logger
}

// NewSummarizer wires a summarizer.
func NewSummarizer(provider llms.Provider, counter *TokenCounter, messageThreshold, tokenThreshold int, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if messageThreshold <= 0 {
		messageThreshold = 10
	}
	if tokenThreshold <= 0 {
		tokenThreshold = 6400
	}
	return &Summarizer{
		provider:         provider,
		counter:          counter,
		messageThreshold: messageThreshold,
		tokenThreshold:   tokenThreshold,
		logger:           logger,
	}
}

// MaybeSummarize returns the history unchanged while it is under both
// thresholds, otherwise replaces the oldest prefix with one system-summary
// entry. On model failure the history passes through unchanged; a long
// prompt beats a lost one.
func (s *Summarizer) MaybeSummarize(ctx context.Context, history []llms.Message) []llms.Message {
	if len(history) < s.messageThreshold && s.totalTokens(history) < s.tokenThreshold {
		return history
	}
	if len(history) <= keepRecentMessages {
		return history
	}

	prefix := history[:len(history)-keepRecentMessages]
	tail := history[len(history)-keepRecentMessages:]

	summary, err := s.summarize(ctx, prefix)
	if err != nil {
		s.logger.Warn("summarization failed, keeping full history", "error", err)
		return history
	}

	out := make([]llms.Message, 0, len(tail)+1)
	out = append(out, llms.Message{Role: llms.RoleSystem, Content: SummaryPrefix + summary})
	out = append(out, tail...)
	return out
}

func (s *Summarizer) summarize(ctx context.Context, prefix []llms.Message) (string, error) {
	var b strings.Builder
	for _, msg := range prefix {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	resp, _, err := s.provider.Generate(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: summarizeSystemPrompt},
		{Role: llms.RoleUser, Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

func (s *Summarizer) totalTokens(history []llms.Message) int {
	total := 0
	for _, msg := range history {
		total += s.counter.Count(msg.Content)
	}
	return total
}
