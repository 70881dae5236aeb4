// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the session management endpoints: listing
// sessions, reading a session's transcript history, and deleting a
// session.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/finsightai/finsight/services/assistant/conversation"
	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/stream"
)

// TurnStore is the slice of the conversation store the handlers use.
// *conversation.Store implements it; tests substitute a fake.
type TurnStore interface {
	Append(ctx context.Context, turn datatypes.Turn, entries []datatypes.TranscriptEntry, meta stream.AppendMeta) error
	History(ctx context.Context, sessionID string) ([]conversation.TurnRecord, error)
	ListSessions(ctx context.Context) ([]conversation.SessionSummary, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	Ping(ctx context.Context) error
}

// SessionHandler serves the session CRUD endpoints.
type SessionHandler struct {
	store TurnStore
}

// NewSessionHandler wires the handler. Panics if store is nil.
func NewSessionHandler(store TurnStore) *SessionHandler {
	if store == nil {
		panic("NewSessionHandler: store must not be nil")
	}
	return &SessionHandler{store: store}
}

// HandleListSessions processes GET /v1/sessions.
func (h *SessionHandler) HandleListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		slog.Error("Could not list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// HandleSessionHistory processes GET /v1/sessions/:session_id/history.
func (h *SessionHandler) HandleSessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	turns, err := h.store.History(c.Request.Context(), sessionID)
	if err != nil {
		slog.Error("Could not load session history", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load history"})
		return
	}
	if len(turns) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"turns":      turns,
	})
}

// HandleDeleteSession processes DELETE /v1/sessions/:session_id.
func (h *SessionHandler) HandleDeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	deleted, err := h.store.DeleteSession(c.Request.Context(), sessionID)
	if err != nil {
		slog.Error("Could not delete session", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete session"})
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "deleted_turns": deleted})
}
