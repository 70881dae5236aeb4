// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightai/finsight/services/assistant/agents"
	"github.com/finsightai/finsight/services/assistant/cancel"
	"github.com/finsightai/finsight/services/assistant/conversation"
	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/observability"
	"github.com/finsightai/finsight/services/assistant/stream"
)

// =============================================================================
// Test Fakes
// =============================================================================

type appendCall struct {
	turn    datatypes.Turn
	entries []datatypes.TranscriptEntry
	meta    stream.AppendMeta
}

// fakeTurnStore is an in-memory TurnStore shared by the handler tests.
type fakeTurnStore struct {
	mu         sync.Mutex
	appends    []appendCall
	history    map[string][]conversation.TurnRecord
	sessions   []conversation.SessionSummary
	deleted    map[string]int64
	historyErr error
	listErr    error
	deleteErr  error
	pingErr    error
}

func newFakeTurnStore() *fakeTurnStore {
	return &fakeTurnStore{
		history: make(map[string][]conversation.TurnRecord),
		deleted: make(map[string]int64),
	}
}

func (s *fakeTurnStore) Append(_ context.Context, turn datatypes.Turn, entries []datatypes.TranscriptEntry, meta stream.AppendMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, appendCall{turn: turn, entries: entries, meta: meta})
	return nil
}

func (s *fakeTurnStore) History(_ context.Context, sessionID string) ([]conversation.TurnRecord, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.history[sessionID], nil
}

func (s *fakeTurnStore) ListSessions(context.Context) ([]conversation.SessionSummary, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.sessions, nil
}

func (s *fakeTurnStore) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return s.deleted[sessionID], nil
}

func (s *fakeTurnStore) Ping(context.Context) error {
	return s.pingErr
}

func (s *fakeTurnStore) appendCalls() []appendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appendCall(nil), s.appends...)
}

// memKV is an in-memory cancel.KV for wiring real Signals in tests.
type memKV struct {
	mu     sync.Mutex
	data   map[string]string
	setErr error
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (kv *memKV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	val, ok := kv.data[key]
	return val, ok, nil
}

func (kv *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.setErr != nil {
		return kv.setErr
	}
	kv.data[key] = value
	return nil
}

func (kv *memKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	return nil
}

// fakeExecutor replays a fixed raw event sequence.
type fakeExecutor struct {
	events    []datatypes.RawEvent
	startErr  error
	streamErr error
	mu        sync.Mutex
	lastQuery agents.Query
}

func (e *fakeExecutor) Execute(ctx context.Context, q agents.Query) (*agents.Stream, error) {
	e.mu.Lock()
	e.lastQuery = q
	e.mu.Unlock()

	if e.startErr != nil {
		return nil, e.startErr
	}

	st := agents.NewStream(len(e.events) + 1)
	for _, ev := range e.events {
		_ = st.Emit(ctx, ev)
	}
	st.CloseWith(e.streamErr)
	return st, nil
}

func (e *fakeExecutor) query() agents.Query {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastQuery
}

// =============================================================================
// Test Helpers
// =============================================================================

func newStreamHandler(t *testing.T, store *fakeTurnStore, exec agents.Executor) (*QueryStreamHandler, *memKV) {
	t.Helper()
	kv := newMemKV()
	metrics := observability.NewPipelineMetrics(promauto.With(prometheus.NewRegistry()))
	return NewQueryStreamHandler(
		map[datatypes.QueryMode]agents.Executor{datatypes.ModeFast: exec},
		store,
		cancel.NewSignals(kv, time.Second),
		stream.NewRegistry(),
		metrics,
		stream.DriverConfig{Pricing: stream.DefaultPricingTable()},
	), kv
}

func newStreamRouter(h *QueryStreamHandler) *gin.Engine {
	router := gin.New()
	router.POST("/v1/query/stream", h.HandleQueryStream)
	router.POST("/v1/query/stop", h.HandleStop)
	return router
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf []byte
	switch b := body.(type) {
	case string:
		buf = []byte(b)
	default:
		buf, _ = json.Marshal(b)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func streamChunks(unitID string, chunks ...string) []datatypes.RawEvent {
	var events []datatypes.RawEvent
	for _, c := range chunks {
		events = append(events, datatypes.RawEvent{
			Mode:   datatypes.ModeMessages,
			Chunk:  c,
			UnitID: unitID,
		})
	}
	return events
}

// =============================================================================
// Tests: HandleQueryStream
// =============================================================================

func TestHandleQueryStream_InvalidJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryStream_MissingMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{"mode": "fast"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryStream_MalformedSessionID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message":    "What moved AAPL today?",
		"session_id": "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryStream_UnsupportedMode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	// Only fast is wired; deep passes validation but has no executor.
	h, _ := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message": "What moved AAPL today?",
		"mode":    "deep",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported mode", resp["error"])
}

// TestHandleQueryStream_StreamsToCompletion drives a full turn through
// the HTTP surface: session_info first, chunk frames, a complete frame,
// and a persisted transcript.
func TestHandleQueryStream_StreamsToCompletion(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()

	events := streamChunks("u1", "Apple ", "rose ", "today.")
	events = append(events, datatypes.RawEvent{
		Mode: datatypes.ModeUpdates,
		Text: "Apple rose today.",
		Usage: &datatypes.TokenUsage{
			Model:        "gpt-4o-mini",
			InputTokens:  100,
			OutputTokens: 20,
		},
		UnitID: "u1",
	})
	exec := &fakeExecutor{events: events}

	h, _ := newStreamHandler(t, store, exec)
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message": "What moved AAPL today?",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: session_info\n"), "session_info must be the first frame")
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, "Apple rose today.")
	assert.Contains(t, body, `"type":"complete"`)

	calls := store.appendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, stream.FlushCompleted, calls[0].meta.Reason)
	assert.Equal(t, 120, calls[0].meta.Cost.TotalTokens)

	var response string
	for _, entry := range calls[0].entries {
		if entry.Type == datatypes.EntryResponse {
			response = entry.Content
		}
	}
	assert.Equal(t, "Apple rose today.", response)
}

func TestHandleQueryStream_EchoesGivenSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	exec := &fakeExecutor{events: streamChunks("u1", "hello")}
	h, _ := newStreamHandler(t, store, exec)
	router := newStreamRouter(h)

	sessionID := uuid.New().String()
	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message":    "Follow up",
		"session_id": sessionID,
	})

	assert.Contains(t, w.Body.String(), sessionID)

	calls := store.appendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, sessionID, calls[0].turn.SessionID)
	assert.NotEmpty(t, calls[0].turn.MessageID)
}

// TestHandleQueryStream_ReplaysHistory verifies prior turns reach the
// executor as conversation context.
func TestHandleQueryStream_ReplaysHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	sessionID := uuid.New().String()
	store.history[sessionID] = []conversation.TurnRecord{
		{
			SessionID: sessionID,
			Entries: []datatypes.TranscriptEntry{
				{Type: datatypes.EntryHumanInput, Content: "What moved AAPL?"},
				{Type: datatypes.EntryResponse, Content: "Earnings beat."},
			},
		},
	}

	exec := &fakeExecutor{events: streamChunks("u1", "More detail.")}
	h, _ := newStreamHandler(t, store, exec)
	router := newStreamRouter(h)

	postJSON(router, "/v1/query/stream", map[string]any{
		"message":    "Tell me more",
		"session_id": sessionID,
	})

	history := exec.query().History
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "What moved AAPL?", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
}

// TestHandleQueryStream_HistoryFailureDegrades verifies a store outage
// on history load does not fail the turn.
func TestHandleQueryStream_HistoryFailureDegrades(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	store.historyErr = errors.New("mongo down")

	exec := &fakeExecutor{events: streamChunks("u1", "Still works.")}
	h, _ := newStreamHandler(t, store, exec)
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message":    "Tell me more",
		"session_id": uuid.New().String(),
	})

	assert.Contains(t, w.Body.String(), `"type":"complete"`)
	assert.Empty(t, exec.query().History)
}

// TestHandleQueryStream_ExecutorStartFailure verifies the pre-stream
// failure path: one error frame, then a minimal persisted document.
func TestHandleQueryStream_ExecutorStartFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeTurnStore()
	exec := &fakeExecutor{startErr: errors.New("model unavailable")}
	h, _ := newStreamHandler(t, store, exec)
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stream", map[string]any{
		"message": "What moved AAPL today?",
	})

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: session_info\n"))
	assert.Contains(t, body, `"type":"error"`)
	assert.NotContains(t, body, "model unavailable", "internal detail must not leak to the client")

	calls := store.appendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, stream.FlushErrored, calls[0].meta.Reason)
}

// =============================================================================
// Tests: HandleStop
// =============================================================================

func TestHandleStop_InvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stop", "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/v1/query/stop", map[string]any{"session_id": uuid.New().String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/v1/query/stop", map[string]any{
		"session_id": "nope",
		"message_id": uuid.New().String(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStop_WritesSignal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, kv := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	router := newStreamRouter(h)

	sessionID := uuid.New().String()
	messageID := uuid.New().String()
	w := postJSON(router, "/v1/query/stop", map[string]any{
		"session_id": sessionID,
		"message_id": messageID,
	})

	// Cancellation is cooperative, so the endpoint acknowledges rather
	// than confirms.
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, messageID, kv.data["stop:"+sessionID])
}

func TestHandleStop_SignalStoreUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, kv := newStreamHandler(t, newFakeTurnStore(), &fakeExecutor{})
	kv.setErr = errors.New("redis down")
	router := newStreamRouter(h)

	w := postJSON(router, "/v1/query/stop", map[string]any{
		"session_id": uuid.New().String(),
		"message_id": uuid.New().String(),
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
