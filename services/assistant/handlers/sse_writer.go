// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP request handlers for the assistant
// service.
//
// This file implements the SSE wire serializer: one client event becomes
// one `data: <json>\n\n` frame, or `event: <name>\ndata: <json>\n\n` for
// the few named events (session_info, stock_chart).
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter serializes client events onto an HTTP response stream.
//
// # Description
//
// SSEWriter abstracts the SSE wire format so the driver stays independent
// of HTTP response mechanics. Every payload carries the turn's message_id
// so the client can correlate frames to its request.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled proxy buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent frames one client event. A returned error means the
	// client connection is gone.
	WriteEvent(ev datatypes.ClientEvent) error

	// WriteNamed frames an arbitrary payload as a named SSE event.
	WriteNamed(name string, payload map[string]any) error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher for immediate send
//   - turn: Supplies the message_id stamped on every payload
//   - mu: Mutex for thread-safe writes
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	turn    datatypes.Turn
	mu      sync.Mutex
}

// NewSSEWriter creates a writer for one turn's response stream.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, turn datatypes.Turn) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{writer: w, flusher: flusher, turn: turn}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent frames one client event per the wire protocol.
//
// Stock data goes out as the named stock_chart event; everything else is
// a bare data frame whose payload shape depends on the kind.
func (w *sseWriter) WriteEvent(ev datatypes.ClientEvent) error {
	if ev.Kind == datatypes.KindStockData {
		return w.WriteNamed("stock_chart", map[string]any{
			"stock_data": ev.Stock,
			"message_id": w.turn.MessageID,
			"id":         ev.ID,
		})
	}

	return w.writeFrame("", w.payloadFor(ev))
}

// WriteNamed frames a payload as `event: <name>\ndata: <json>\n\n`.
func (w *sseWriter) WriteNamed(name string, payload map[string]any) error {
	return w.writeFrame(name, payload)
}

// payloadFor builds the JSON object for one client event kind.
func (w *sseWriter) payloadFor(ev datatypes.ClientEvent) map[string]any {
	payload := map[string]any{
		"type":       wireType(ev.Kind),
		"message_id": w.turn.MessageID,
	}

	switch ev.Kind {
	case datatypes.KindConnected:
		// type and message_id only.

	case datatypes.KindResearch, datatypes.KindResearchChunk:
		payload["agent_name"] = ev.AgentName
		payload["id"] = ev.ID
		if ev.Title != "" {
			payload["title"] = ev.Title
		}
		if ev.Content != "" {
			payload["content"] = ev.Content
		}

	case datatypes.KindResponse, datatypes.KindResponseChunk:
		payload["agent_name"] = ev.AgentName
		payload["id"] = ev.ID
		payload["content"] = ev.Content

	case datatypes.KindSources:
		payload["content"] = ev.SourceList

	case datatypes.KindRelatedQueries:
		payload["content"] = ev.Queries

	case datatypes.KindProgress:
		payload["agent_name"] = ev.AgentName
		payload["content"] = ev.Content

	case datatypes.KindResponseTime, datatypes.KindError:
		payload["content"] = ev.Content

	case datatypes.KindMetadata:
		payload["data"] = ev.Data
		delete(payload, "message_id")

	case datatypes.KindComplete:
		for k, v := range ev.Data {
			payload[k] = v
		}

	case datatypes.KindKeepAlive:
		for k, v := range ev.Data {
			payload[k] = v
		}
		delete(payload, "message_id")
	}

	return payload
}

// writeFrame serializes and flushes one frame.
func (w *sseWriter) writeFrame(name string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if name != "" {
		_, err = fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", name, data)
	} else {
		_, err = fmt.Fprintf(w.writer, "data: %s\n\n", data)
	}
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// wireType maps internal kinds to the wire's type strings. The wire uses
// underscores where kinds use hyphens, and keep-alive is capitalized for
// compatibility with existing clients.
func wireType(kind datatypes.EventKind) string {
	switch kind {
	case datatypes.KindRelatedQueries:
		return "related_queries"
	case datatypes.KindResponseTime:
		return "response_time"
	case datatypes.KindKeepAlive:
		return "Keep-alive"
	default:
		return string(kind)
	}
}

// SetSSEHeaders configures response headers for SSE streaming. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Compile-time interface check.
var _ SSEWriter = (*sseWriter)(nil)
