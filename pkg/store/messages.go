package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ragkit/sage/pkg/protocol"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// FileInfo records an attachment inlined into a user turn.
type FileInfo struct {
	Name string `bson:"name" json:"name"`
	Size int64  `bson:"size" json:"size"`
	Type string `bson:"type" json:"type"`
}

// Extra carries the structured side channels of a message: the reasoning
// trace, citations, attachment metadata and cache provenance.
type Extra struct {
	Thoughts       []string               `bson:"thoughts,omitempty" json:"thoughts,omitempty"`
	Actions        []string               `bson:"actions,omitempty" json:"actions,omitempty"`
	Observations   []string               `bson:"observations,omitempty" json:"observations,omitempty"`
	Documents      []protocol.DocumentRef `bson:"documents,omitempty" json:"documents,omitempty"`
	File           *FileInfo              `bson:"file,omitempty" json:"file,omitempty"`
	Location       string                 `bson:"location,omitempty" json:"location,omitempty"`
	FromCache      bool                   `bson:"from_cache,omitempty" json:"from_cache,omitempty"`
	ThoughtChainID string                 `bson:"thought_chain_id,omitempty" json:"thought_chain_id,omitempty"`
}

// Message is one persisted turn.
type Message struct {
	UUID      string    `bson:"uuid" json:"uuid"`
	SessionID string    `bson:"session_id" json:"session_id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Role      string    `bson:"role" json:"role"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Extra     Extra     `bson:"extra_data,omitempty" json:"extra_data,omitempty"`
}

// InsertMessage persists one message. Duplicate uuids are rejected by the
// unique index.
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	if msg.UUID == "" {
		return errors.New("message uuid is required")
	}
	if msg.SessionID == "" {
		return errors.New("session id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage loads one message by uuid.
func (s *Store) GetMessage(ctx context.Context, uuid string) (Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var msg Message
	err := s.messages.FindOne(ctx, bson.M{"uuid": uuid}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.messages.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return out, nil
}

// DeleteMessage removes one message by uuid.
func (s *Store) DeleteMessage(ctx context.Context, uuid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.messages.DeleteOne(ctx, bson.M{"uuid": uuid}); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// DeleteMessagesBySession removes every message of a session.
func (s *Store) DeleteMessagesBySession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.messages.DeleteMany(ctx, bson.M{"session_id": sessionID}); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	return nil
}
