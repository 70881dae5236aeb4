// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the streaming query endpoint: accept a query, mint
// the turn, and hand the connection to the stream driver until the turn
// reaches a terminal state.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/finsightai/finsight/services/assistant/agents"
	"github.com/finsightai/finsight/services/assistant/cancel"
	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/observability"
	"github.com/finsightai/finsight/services/assistant/stream"
)

// =============================================================================
// Constants
// =============================================================================

// maxHistoryTurns limits how many prior turns are replayed into the
// executor's prompt when a session is resumed.
const maxHistoryTurns = 20

// =============================================================================
// Struct Definition
// =============================================================================

// QueryStreamHandler serves the streaming query and stop endpoints.
//
// # Description
//
// One handler instance serves all turns. Each request gets its own
// recorder, batcher, and driver; the handler owns only the shared
// dependencies (executors, store, signals, metrics).
//
// # Thread Safety
//
// Safe for concurrent use; per-turn state lives on the request goroutine.
type QueryStreamHandler struct {
	executors map[datatypes.QueryMode]agents.Executor
	store     TurnStore
	signals   *cancel.Signals
	registry  *stream.Registry
	metrics   *observability.PipelineMetrics
	cfg       stream.DriverConfig
}

// NewQueryStreamHandler wires the handler. Panics on nil dependencies.
func NewQueryStreamHandler(
	executors map[datatypes.QueryMode]agents.Executor,
	store TurnStore,
	signals *cancel.Signals,
	registry *stream.Registry,
	metrics *observability.PipelineMetrics,
	cfg stream.DriverConfig,
) *QueryStreamHandler {
	if len(executors) == 0 {
		panic("NewQueryStreamHandler: at least one executor is required")
	}
	if store == nil {
		panic("NewQueryStreamHandler: store must not be nil")
	}
	if signals == nil {
		panic("NewQueryStreamHandler: signals must not be nil")
	}
	if registry == nil {
		panic("NewQueryStreamHandler: registry must not be nil")
	}
	if metrics == nil {
		panic("NewQueryStreamHandler: metrics must not be nil")
	}

	return &QueryStreamHandler{
		executors: executors,
		store:     store,
		signals:   signals,
		registry:  registry,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// =============================================================================
// Handlers
// =============================================================================

// HandleQueryStream processes POST /v1/query/stream.
//
// # Description
//
// Validates the request, mints the turn, emits session_info, and runs the
// stream driver to a terminal state. Every error after headers are sent
// goes out as an SSE error frame, never a bare HTTP status.
func (h *QueryStreamHandler) HandleQueryStream(c *gin.Context) {
	ctx, span := otel.Tracer("finsight.assistant.handlers").Start(c.Request.Context(), "handlers.QueryStream")
	defer span.End()

	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.EnsureDefaults()

	executor, ok := h.executors[req.Mode]
	if !ok {
		h.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported mode"})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	turn := datatypes.Turn{SessionID: sessionID, MessageID: uuid.New().String()}
	span.SetAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.String("message.id", turn.MessageID),
		attribute.String("query.mode", string(req.Mode)),
	)

	history := h.loadHistory(ctx, sessionID)

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer, turn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// First frame: let the client bind the stream to its request before
	// any agent work starts.
	if err := writer.WriteNamed("session_info", map[string]any{
		"session_id": turn.SessionID,
		"message_id": turn.MessageID,
	}); err != nil {
		h.metrics.RecordClientDisconnect(observability.EndpointQueryStream)
		return
	}

	h.metrics.StreamStarted(observability.EndpointQueryStream)
	defer h.metrics.StreamEnded(observability.EndpointQueryStream)

	recorder := stream.NewRecorder(turn, h.store)
	recorder.RecordHumanInput(req.Message)

	source, err := executor.Execute(ctx, agents.Query{
		Turn:    turn,
		Message: req.Message,
		Mode:    req.Mode,
		History: history,
	})
	if err != nil {
		span.SetStatus(codes.Error, "executor start failed")
		slog.Error("Executor failed to start",
			"session_id", turn.SessionID,
			"message_id", turn.MessageID,
			"mode", req.Mode,
			"error", err,
		)
		h.failBeforeStreaming(ctx, writer, recorder)
		return
	}

	driver := stream.NewDriver(turn, h.registry, recorder, h.signals, writer, h.metrics, h.cfg)
	terminal := driver.Run(ctx, source)

	slog.Info("Turn closed",
		"session_id", turn.SessionID,
		"message_id", turn.MessageID,
		"terminal_state", string(terminal),
	)
}

// HandleStop processes POST /v1/query/stop.
//
// # Description
//
// Writes the stop signal for the targeted turn and returns immediately.
// Cancellation is cooperative: the turn stops at its next poll point, so
// the response is 202, not 200.
func (h *QueryStreamHandler) HandleStop(c *gin.Context) {
	var req datatypes.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.signals.RequestStop(c.Request.Context(), req.SessionID, req.MessageID); err != nil {
		slog.Error("Could not write stop signal",
			"session_id", req.SessionID,
			"message_id", req.MessageID,
			"error", err,
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stop signal unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "message_id": req.MessageID})
}

// =============================================================================
// Private Methods
// =============================================================================

// loadHistory replays a session's prior turns as executor context. A
// store failure degrades to an empty history; resuming without context
// beats failing the turn.
func (h *QueryStreamHandler) loadHistory(ctx context.Context, sessionID string) []agents.HistoryMessage {
	records, err := h.store.History(ctx, sessionID)
	if err != nil {
		slog.Warn("Could not load session history", "session_id", sessionID, "error", err)
		return nil
	}

	if len(records) > maxHistoryTurns {
		records = records[len(records)-maxHistoryTurns:]
	}

	var history []agents.HistoryMessage
	for _, rec := range records {
		for _, entry := range rec.Entries {
			switch entry.Type {
			case datatypes.EntryHumanInput:
				history = append(history, agents.HistoryMessage{Role: "user", Content: entry.Content})
			case datatypes.EntryResponse:
				if entry.Content != "" {
					history = append(history, agents.HistoryMessage{Role: "assistant", Content: entry.Content})
				}
			}
		}
	}
	return history
}

// failBeforeStreaming handles an executor that never produced a stream:
// one error frame, then a minimal persisted document.
func (h *QueryStreamHandler) failBeforeStreaming(ctx context.Context, writer SSEWriter, recorder *stream.Recorder) {
	errEvent := datatypes.ClientEvent{
		Kind:    datatypes.KindError,
		Content: "Something went wrong while starting the response. Please try again.",
	}
	if err := writer.WriteEvent(errEvent); err != nil {
		h.metrics.RecordClientDisconnect(observability.EndpointQueryStream)
	}
	recorder.Record(errEvent)

	if err := recorder.Flush(ctx, stream.AppendMeta{Reason: stream.FlushErrored}); err != nil {
		slog.Error("Could not persist failed turn", "error", err)
		h.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeStore)
	}
	h.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeInternal)
	h.metrics.RecordRequest(observability.EndpointQueryStream, false)
}
