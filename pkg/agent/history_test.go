package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/store"
)

// fakeKV backs the history manager with an in-memory map.
type fakeKV struct {
	data   map[string]string
	getErr error
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string]string{}} }

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	val, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeKV) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	removed := int64(0)
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

type fakeLister struct {
	messages []store.Message
	err      error
	calls    int
}

func (f *fakeLister) ListMessages(context.Context, string) ([]store.Message, error) {
	f.calls++
	return f.messages, f.err
}

func TestHistoryLoadColdRebuildsAndWarms(t *testing.T) {
	kv := newFakeKV()
	lister := &fakeLister{messages: []store.Message{
		{Role: store.RoleUser, Content: "hi"},
		{Role: store.RoleAssistant, Content: "hello"},
		{Role: "tool", Content: "ignored"},
	}}
	m := NewHistoryManager(kv, lister, time.Hour, nil)

	history, err := m.Load(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, llms.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[1].Content)

	// Second load hits the warmed cache, not the store.
	history2, err := m.Load(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, history, history2)
	assert.Equal(t, 1, lister.calls)
}

func TestHistoryAppendRoundTrip(t *testing.T) {
	kv := newFakeKV()
	m := NewHistoryManager(kv, &fakeLister{}, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "u1", "s1",
		llms.Message{Role: llms.RoleUser, Content: "q"},
		llms.Message{Role: llms.RoleAssistant, Content: "a"},
	))
	require.NoError(t, m.Append(ctx, "u1", "s1",
		llms.Message{Role: llms.RoleUser, Content: "q2"},
	))

	history, err := m.Load(ctx, "u1", "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "q2", history[2].Content)
}

func TestHistoryCorruptCacheRebuilds(t *testing.T) {
	kv := newFakeKV()
	kv.data[historyKey("u1", "s1")] = "{not json"
	lister := &fakeLister{messages: []store.Message{{Role: store.RoleUser, Content: "hi"}}}
	m := NewHistoryManager(kv, lister, time.Hour, nil)

	history, err := m.Load(context.Background(), "u1", "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, lister.calls)

	// The corrupt entry was overwritten with valid JSON.
	var warmed []llms.Message
	require.NoError(t, json.Unmarshal([]byte(kv.data[historyKey("u1", "s1")]), &warmed))
	assert.Equal(t, history, warmed)
}

func TestHistoryRedisErrorSurfaces(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection refused")
	m := NewHistoryManager(kv, &fakeLister{}, time.Hour, nil)

	_, err := m.Load(context.Background(), "u1", "s1")
	assert.ErrorContains(t, err, "history cache")
}

func TestHistoryInvalidate(t *testing.T) {
	kv := newFakeKV()
	m := NewHistoryManager(kv, &fakeLister{}, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "u1", "s1", []llms.Message{{Role: llms.RoleUser, Content: "x"}}))
	require.NoError(t, m.Invalidate(ctx, "u1", "s1"))
	assert.Empty(t, kv.data)
}
