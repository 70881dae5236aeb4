// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agents adapts LLM backends to the executor contract the
// streaming pipeline consumes: an asynchronous stream of raw events with
// cooperative cancellation.
package agents

import (
	"context"
	"sync"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Types
// =============================================================================

// HistoryMessage is one prior exchange handed to the executor as context.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Query is one unit of work for an executor.
type Query struct {
	Turn    datatypes.Turn
	Message string
	Mode    datatypes.QueryMode
	History []HistoryMessage
}

// Executor produces a raw event stream for one query.
//
// # Description
//
// Execute returns immediately with a live Stream; production happens on a
// goroutine owned by the executor. Implementations must stop producing
// promptly when ctx is cancelled and must always close the stream,
// carrying the terminal error when production failed.
type Executor interface {
	Execute(ctx context.Context, q Query) (*Stream, error)
}

// =============================================================================
// Stream
// =============================================================================

// Stream is the event channel between an executor and the driver.
//
// # Description
//
// The consumer reads Events() until the channel closes, then inspects
// Err() for the reason: nil means normal exhaustion. The producer side
// emits with Emit and finishes with CloseWith exactly once; Err is set
// before the channel closes, so the consumer's read of Err after the
// close is ordered.
type Stream struct {
	events chan datatypes.RawEvent

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with the given channel capacity.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{events: make(chan datatypes.RawEvent, buffer)}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan datatypes.RawEvent {
	return s.events
}

// Err reports why the stream ended. Valid after Events() closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit sends one raw event, giving up when ctx is cancelled so an
// abandoned consumer never wedges the producer goroutine.
func (s *Stream) Emit(ctx context.Context, ev datatypes.RawEvent) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWith terminates the stream. Call exactly once from the producer.
func (s *Stream) CloseWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}
