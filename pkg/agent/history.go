package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/store"
)

// historyKV is the slice of the Redis API the history manager needs.
type historyKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// messageLister reconstructs history from the message store on a cold
// cache.
type messageLister interface {
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// HistoryManager keeps per-session conversation history in Redis with
// read-through from the message store.
type HistoryManager struct {
	kv     historyKV
	msgs   messageLister
	ttl    time.Duration
	logger *slog.Logger
}

// NewHistoryManager wires the manager. ttl bounds how long idle history
// stays cached.
func NewHistoryManager(kv historyKV, msgs messageLister, ttl time.Duration, logger *slog.Logger) *HistoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &HistoryManager{kv: kv, msgs: msgs, ttl: ttl, logger: logger}
}

func historyKey(userID, sessionID string) string {
	return fmt.Sprintf("history:%s:%s", userID, sessionID)
}

// Load returns the session history, reconstructing it from the message
// store when the cache is cold. Only user, assistant and system entries
// survive the filter.
func (m *HistoryManager) Load(ctx context.Context, userID, sessionID string) ([]llms.Message, error) {
	raw, err := m.kv.Get(ctx, historyKey(userID, sessionID)).Result()
	if err == nil {
		var history []llms.Message
		if jsonErr := json.Unmarshal([]byte(raw), &history); jsonErr == nil {
			return history, nil
		}
		m.logger.Warn("corrupt history cache entry, rebuilding", "session_id", sessionID)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read history cache: %w", err)
	}

	messages, err := m.msgs.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild history: %w", err)
	}
	history := make([]llms.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case store.RoleUser, store.RoleAssistant, store.RoleSystem:
			history = append(history, llms.Message{Role: llms.Role(msg.Role), Content: msg.Content})
		}
	}
	if err := m.Save(ctx, userID, sessionID, history); err != nil {
		m.logger.Warn("failed to warm history cache", "session_id", sessionID, "error", err)
	}
	return history, nil
}

// Save writes the full history back with the configured expiry.
func (m *HistoryManager) Save(ctx context.Context, userID, sessionID string, history []llms.Message) error {
	payload, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := m.kv.Set(ctx, historyKey(userID, sessionID), payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write history cache: %w", err)
	}
	return nil
}

// Append adds turns to the cached history.
func (m *HistoryManager) Append(ctx context.Context, userID, sessionID string, turns ...llms.Message) error {
	history, err := m.Load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	history = append(history, turns...)
	return m.Save(ctx, userID, sessionID, history)
}

// Invalidate drops the cached history for a session.
func (m *HistoryManager) Invalidate(ctx context.Context, userID, sessionID string) error {
	return m.kv.Del(ctx, historyKey(userID, sessionID)).Err()
}
