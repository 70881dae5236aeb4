// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation persists turn transcripts in MongoDB.
//
// # Description
//
// Each turn is one document keyed by (session_id, message_id). Writes go
// through UpdateOne with upsert so a repeated flush for the same turn
// replaces the document instead of duplicating it. The Mongo driver's
// retryable reads/writes provide the reconnect-with-backoff layer; this
// package adds per-operation timeouts on top.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/stream"
)

// =============================================================================
// Constants
// =============================================================================

const (
	defaultCollection = "turns"
	defaultOpTimeout  = 5 * time.Second
	connectTimeout    = 10 * time.Second
)

// ErrTurnNotFound is returned when no document exists for a turn.
var ErrTurnNotFound = errors.New("turn not found")

// =============================================================================
// Document Types
// =============================================================================

// TurnRecord is the durable shape of one turn.
type TurnRecord struct {
	SessionID    string                       `bson:"session_id" json:"session_id"`
	MessageID    string                       `bson:"message_id" json:"message_id"`
	Entries      []datatypes.TranscriptEntry  `bson:"entries" json:"entries"`
	InputTokens  int                          `bson:"input_tokens" json:"input_tokens"`
	OutputTokens int                          `bson:"output_tokens" json:"output_tokens"`
	TotalTokens  int                          `bson:"total_tokens" json:"total_tokens"`
	CostUSD      float64                      `bson:"cost_usd" json:"cost_usd"`
	Retry        bool                         `bson:"retry" json:"retry"`
	TimeTakenMS  int64                        `bson:"time_taken_ms" json:"time_taken_ms"`
	EndedWith    string                       `bson:"ended_with" json:"ended_with"`
	CreatedAt    time.Time                    `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time                    `bson:"updated_at" json:"updated_at"`
}

// SessionSummary describes one session for listings.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Turns      int       `json:"turns"`
	FirstQuery string    `json:"first_query,omitempty"`
	LastActive time.Time `json:"last_active"`
}

// =============================================================================
// Store
// =============================================================================

// Options configures the transcript store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store is the MongoDB-backed transcript store. It implements
// stream.TranscriptStore.
type Store struct {
	mongo   *mongodriver.Client
	turns   collection
	timeout time.Duration
}

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongodriver.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetRetryWrites(true).
		SetRetryReads(true))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return client, nil
}

// New creates the store and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}

	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensuring transcript indexes: %w", err)
	}

	return &Store{mongo: opts.Client, turns: coll, timeout: timeout}, nil
}

// newStoreWithCollection wires a store over an arbitrary collection.
// Used by tests to substitute a fake.
func newStoreWithCollection(coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{turns: coll, timeout: timeout}
}

// =============================================================================
// Methods
// =============================================================================

// Append upserts one turn's transcript, keyed by (session_id, message_id).
//
// # Description
//
// The entry list and accounting replace whatever was stored for the turn;
// created_at is set only on first insert. Calling Append twice for the
// same turn therefore never duplicates entries.
func (s *Store) Append(ctx context.Context, turn datatypes.Turn, entries []datatypes.TranscriptEntry, meta stream.AppendMeta) error {
	if turn.SessionID == "" {
		return errors.New("session id is required")
	}
	if turn.MessageID == "" {
		return errors.New("message id is required")
	}

	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": turn.SessionID, "message_id": turn.MessageID}
	update := bson.M{
		"$set": bson.M{
			"entries":       entries,
			"input_tokens":  meta.Cost.InputTokens,
			"output_tokens": meta.Cost.OutputTokens,
			"total_tokens":  meta.Cost.TotalTokens,
			"cost_usd":      meta.Cost.CostUSD,
			"retry":         meta.Retry,
			"time_taken_ms": meta.TimeTaken.Milliseconds(),
			"ended_with":    string(meta.Reason),
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"session_id": turn.SessionID,
			"message_id": turn.MessageID,
			"created_at": now,
		},
	}

	if _, err := s.turns.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upserting turn %s/%s: %w", turn.SessionID, turn.MessageID, err)
	}
	return nil
}

// GetTurn loads one turn's record.
func (s *Store) GetTurn(ctx context.Context, turn datatypes.Turn) (TurnRecord, error) {
	if turn.SessionID == "" || turn.MessageID == "" {
		return TurnRecord{}, errors.New("session and message ids are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": turn.SessionID, "message_id": turn.MessageID}
	var rec TurnRecord
	if err := s.turns.FindOne(ctx, filter).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return TurnRecord{}, ErrTurnNotFound
		}
		return TurnRecord{}, fmt.Errorf("loading turn %s/%s: %w", turn.SessionID, turn.MessageID, err)
	}
	return rec, nil
}

// History returns a session's turns in creation order.
func (s *Store) History(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.turns.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing history for session %s: %w", sessionID, err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []TurnRecord
	for cur.Next(ctx) {
		var rec TurnRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSessions summarizes all sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.turns.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	byID := make(map[string]*SessionSummary)
	var order []string
	for cur.Next(ctx) {
		var rec TurnRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}

		sum, ok := byID[rec.SessionID]
		if !ok {
			sum = &SessionSummary{
				SessionID:  rec.SessionID,
				FirstQuery: firstHumanInput(rec.Entries),
			}
			byID[rec.SessionID] = sum
			order = append(order, rec.SessionID)
		}
		sum.Turns++
		if rec.UpdatedAt.After(sum.LastActive) {
			sum.LastActive = rec.UpdatedAt
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	out := make([]SessionSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	// Most recent activity first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].LastActive.After(out[i].LastActive) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// DeleteSession removes every turn belonging to a session. Returns the
// number of turns deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.turns.DeleteMany(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return n, nil
}

// Ping verifies the MongoDB connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// firstHumanInput returns the first human_input entry's content.
func firstHumanInput(entries []datatypes.TranscriptEntry) string {
	for _, entry := range entries {
		if entry.Type == datatypes.EntryHumanInput {
			return entry.Content
		}
	}
	return ""
}

func ensureIndexes(ctx context.Context, coll collection) error {
	turnIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "message_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, turnIndex); err != nil {
		return err
	}

	sessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	return nil
}
