// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the stop-signal protocol on top of the KV store:
// one key per session holding the message id to cancel, consumed with a
// check-then-delete by the matching turn.
package cancel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// stopKeyPrefix namespaces stop signals in the shared store.
	stopKeyPrefix = "stop:"

	// DefaultSignalTTL is how long a stop signal lives if no turn claims
	// it. The driver polls every few seconds, so a short TTL suffices
	// and guarantees stale signals vanish on their own.
	DefaultSignalTTL = 10 * time.Second
)

// =============================================================================
// Structs
// =============================================================================

// Signals issues and consumes cancellation signals.
//
// # Description
//
// A stop request writes stop:{session_id} -> message_id with a short TTL.
// The in-flight driver polls the key; on a value matching its own message
// id it deletes the key and cancels. A value for a different message id
// is left untouched so it can still reach the turn it targets, expiring
// via TTL if that turn is already gone. Because the key is scoped by
// session alone, only one turn per session can be targeted at a time; a
// second stop request overwrites the first.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the KV store.
type Signals struct {
	kv  KV
	ttl time.Duration
}

// NewSignals creates the signal store. Panics if kv is nil. A ttl of
// zero falls back to DefaultSignalTTL.
func NewSignals(kv KV, ttl time.Duration) *Signals {
	if kv == nil {
		panic("NewSignals: kv must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	return &Signals{kv: kv, ttl: ttl}
}

// =============================================================================
// Methods
// =============================================================================

// RequestStop asks the turn (sessionID, messageID) to cancel.
//
// # Description
//
// Writes the signal with the configured TTL. Writing is idempotent; a
// repeated stop request simply refreshes the TTL. Cancellation remains
// cooperative: the turn stops at its next poll point, not instantly.
func (s *Signals) RequestStop(ctx context.Context, sessionID, messageID string) error {
	if err := s.kv.Set(ctx, stopKey(sessionID), messageID, s.ttl); err != nil {
		return fmt.Errorf("writing stop signal for session %s: %w", sessionID, err)
	}

	slog.Info("Stop signal written",
		"session_id", sessionID,
		"message_id", messageID,
		"ttl", s.ttl,
	)
	return nil
}

// ShouldCancel polls the signal for one turn, consuming it on a match.
//
// # Description
//
// Absent and non-matching signals are no-ops; a signal targeting another
// message id must never cancel this turn. A store failure is treated as
// "no signal" so transient outages never abort a healthy turn; the next
// poll retries through the store's own backoff.
//
// # Outputs
//
//   - bool: True exactly once per matching signal.
func (s *Signals) ShouldCancel(ctx context.Context, turn datatypes.Turn) bool {
	key := stopKey(turn.SessionID)

	val, found, err := s.kv.Get(ctx, key)
	if err != nil {
		slog.Debug("Stop signal poll failed, treating as no signal",
			"session_id", turn.SessionID,
			"error", err,
		)
		return false
	}
	if !found || val != turn.MessageID {
		return false
	}

	if err := s.kv.Delete(ctx, key); err != nil {
		// The signal still matched; cancel anyway and let TTL reap the key.
		slog.Warn("Could not consume stop signal",
			"session_id", turn.SessionID,
			"error", err,
		)
	}

	slog.Info("Stop signal consumed",
		"session_id", turn.SessionID,
		"message_id", turn.MessageID,
	)
	return true
}

// stopKey builds the session-scoped signal key.
func stopKey(sessionID string) string {
	return stopKeyPrefix + sessionID
}
