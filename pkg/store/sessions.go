package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// PlaceholderSessionName is the name a session carries until the auto-name
// job replaces it.
const PlaceholderSessionName = "New Chat"

// Session is one user-owned conversation container.
type Session struct {
	UUID      string    `bson:"uuid" json:"uuid"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Name      string    `bson:"name" json:"name"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// CreateSession inserts a session idempotently: calling it twice with the
// same uuid never modifies the existing record.
func (s *Store) CreateSession(ctx context.Context, uuid, userID string) (Session, error) {
	if uuid == "" {
		return Session{}, errors.New("session uuid is required")
	}
	now := time.Now().UTC()
	ctxWithTimeout, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"uuid": uuid}
	update := bson.M{
		"$setOnInsert": bson.M{
			"uuid":       uuid,
			"user_id":    userID,
			"name":       PlaceholderSessionName,
			"created_at": now,
			"updated_at": now,
		},
	}
	if _, err := s.sessions.UpdateOne(ctxWithTimeout, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return s.GetSession(ctx, uuid)
}

// GetSession loads one session by uuid.
func (s *Store) GetSession(ctx context.Context, uuid string) (Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var session Session
	err := s.sessions.FindOne(ctx, bson.M{"uuid": uuid}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.sessions.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Session
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return out, nil
}

// TouchSession bumps the activity timestamp.
func (s *Store) TouchSession(ctx context.Context, uuid string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.sessions.UpdateOne(ctx, bson.M{"uuid": uuid},
		bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// RenameIfPlaceholder sets the session name only when it still carries the
// placeholder, so a concurrent user rename wins.
func (s *Store) RenameIfPlaceholder(ctx context.Context, uuid, name string) (bool, error) {
	if name == "" {
		return false, errors.New("session name is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"uuid": uuid, "name": PlaceholderSessionName},
		bson.M{"$set": bson.M{"name": name, "updated_at": time.Now().UTC()}})
	if err != nil {
		return false, fmt.Errorf("failed to rename session: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// DeleteSession removes a session and cascades to its messages.
func (s *Store) DeleteSession(ctx context.Context, uuid string) error {
	if err := s.DeleteMessagesBySession(ctx, uuid); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.sessions.DeleteOne(ctx, bson.M{"uuid": uuid}); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
