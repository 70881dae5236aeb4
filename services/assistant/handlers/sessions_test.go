// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightai/finsight/services/assistant/conversation"
	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newSessionRouter(store *fakeTurnStore) *gin.Engine {
	h := NewSessionHandler(store)
	router := gin.New()
	router.GET("/v1/sessions", h.HandleListSessions)
	router.GET("/v1/sessions/:session_id/history", h.HandleSessionHistory)
	router.DELETE("/v1/sessions/:session_id", h.HandleDeleteSession)
	return router
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Tests: List Sessions
// =============================================================================

func TestHandleListSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	store.sessions = []conversation.SessionSummary{
		{SessionID: "sess-1", Turns: 3, FirstQuery: "What moved AAPL?", LastActive: time.Now().UTC()},
		{SessionID: "sess-2", Turns: 1},
	}

	w := doRequest(newSessionRouter(store), "GET", "/v1/sessions")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []conversation.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "What moved AAPL?", resp.Sessions[0].FirstQuery)
}

func TestHandleListSessions_StoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	store.listErr = errors.New("mongo down")

	w := doRequest(newSessionRouter(store), "GET", "/v1/sessions")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// =============================================================================
// Tests: Session History
// =============================================================================

func TestHandleSessionHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	sessionID := uuid.New().String()
	store.history[sessionID] = []conversation.TurnRecord{
		{
			SessionID: sessionID,
			MessageID: uuid.New().String(),
			Entries: []datatypes.TranscriptEntry{
				{Type: datatypes.EntryHumanInput, Content: "What moved AAPL?"},
				{Type: datatypes.EntryResponse, Content: "Earnings beat."},
			},
		},
	}

	w := doRequest(newSessionRouter(store), "GET", "/v1/sessions/"+sessionID+"/history")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID string                    `json:"session_id"`
		Turns     []conversation.TurnRecord `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.SessionID)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "Earnings beat.", resp.Turns[0].Entries[1].Content)
}

func TestHandleSessionHistory_InvalidID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := doRequest(newSessionRouter(newFakeTurnStore()), "GET", "/v1/sessions/not-a-uuid/history")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSessionHistory_UnknownSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := doRequest(newSessionRouter(newFakeTurnStore()), "GET", "/v1/sessions/"+uuid.New().String()+"/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Tests: Delete Session
// =============================================================================

func TestHandleDeleteSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	sessionID := uuid.New().String()
	store.deleted[sessionID] = 4

	w := doRequest(newSessionRouter(store), "DELETE", "/v1/sessions/"+sessionID)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID    string `json:"session_id"`
		DeletedTurns int64  `json:"deleted_turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.SessionID)
	assert.Equal(t, int64(4), resp.DeletedTurns)
}

func TestHandleDeleteSession_InvalidID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := doRequest(newSessionRouter(newFakeTurnStore()), "DELETE", "/v1/sessions/nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDeleteSession_UnknownSession(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := doRequest(newSessionRouter(newFakeTurnStore()), "DELETE", "/v1/sessions/"+uuid.New().String())
	assert.Equal(t, http.StatusNotFound, w.Code)
}
