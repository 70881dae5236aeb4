// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the chunk batcher: coalescing runs of same-kind
// chunk events into fewer, larger wire messages without reordering or
// dropping content.
package stream

import (
	"strings"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultChunkBatchSize is the buffered-fragment count that triggers a
	// flush. Tunable; the value bounds wire chattiness, it carries no
	// semantic meaning.
	DefaultChunkBatchSize = 15
)

// =============================================================================
// Structs
// =============================================================================

// Batcher coalesces consecutive chunk events from one producer.
//
// # Description
//
// Chunk events (kinds ending in "-chunk") are buffered until the buffer
// reaches the batch size, the producer or correlation id changes, or a
// non-chunk event arrives. Each flush emits one aggregate event whose
// content is the concatenation of the buffered fragments in arrival order.
// Non-chunk events pass through untouched, always after any pending
// aggregate so ordering across the chunk boundary is preserved.
//
// # Fields
//
//   - batchSize: Flush threshold in buffered fragments.
//   - buffer: Pending same-kind, same-producer chunk events.
//
// # Thread Safety
//
// Not safe for concurrent use. A Batcher is owned by exactly one turn's
// driver goroutine.
type Batcher struct {
	batchSize int
	buffer    []datatypes.ClientEvent
}

// NewBatcher creates a batcher with the given flush threshold. A size
// below 1 falls back to DefaultChunkBatchSize.
func NewBatcher(batchSize int) *Batcher {
	if batchSize < 1 {
		batchSize = DefaultChunkBatchSize
	}
	return &Batcher{batchSize: batchSize}
}

// =============================================================================
// Methods
// =============================================================================

// Offer feeds one classified event through the batcher and returns the
// events ready for the wire, in order.
//
// # Description
//
// For a chunk event: if the buffer is full or the event belongs to a
// different producer or logical unit than the buffered run, the pending
// aggregate is emitted first and the event starts a fresh buffer.
// Otherwise the event is absorbed silently. For a non-chunk event: any
// pending aggregate is emitted first, then the event itself.
//
// # Inputs
//
//   - ev: The next classified client event.
//
// # Outputs
//
//   - []datatypes.ClientEvent: Zero, one, or two events to emit now.
func (b *Batcher) Offer(ev datatypes.ClientEvent) []datatypes.ClientEvent {
	if !ev.Kind.IsChunk() {
		if agg, ok := b.drain(); ok {
			return []datatypes.ClientEvent{agg, ev}
		}
		return []datatypes.ClientEvent{ev}
	}

	var out []datatypes.ClientEvent
	if len(b.buffer) > 0 && (len(b.buffer) >= b.batchSize || !b.sameRun(ev)) {
		if agg, ok := b.drain(); ok {
			out = append(out, agg)
		}
	}

	b.buffer = append(b.buffer, ev)
	return out
}

// Flush drains any remaining buffered fragments. The driver calls this at
// end-of-stream so no fragment is lost.
func (b *Batcher) Flush() []datatypes.ClientEvent {
	if agg, ok := b.drain(); ok {
		return []datatypes.ClientEvent{agg}
	}
	return nil
}

// Pending returns the number of buffered fragments.
func (b *Batcher) Pending() int {
	return len(b.buffer)
}

// sameRun reports whether ev continues the buffered run. The buffer only
// ever holds events sharing kind, agent name, and correlation id.
func (b *Batcher) sameRun(ev datatypes.ClientEvent) bool {
	head := b.buffer[0]
	return ev.Kind == head.Kind && ev.AgentName == head.AgentName && ev.ID == head.ID
}

// drain builds the aggregate event and clears the buffer.
func (b *Batcher) drain() (datatypes.ClientEvent, bool) {
	if len(b.buffer) == 0 {
		return datatypes.ClientEvent{}, false
	}

	head := b.buffer[0]
	var content strings.Builder
	for _, ev := range b.buffer {
		content.WriteString(ev.Content)
	}

	agg := datatypes.ClientEvent{
		Kind:      head.Kind,
		AgentName: head.AgentName,
		ID:        head.ID,
		Content:   content.String(),
	}

	b.buffer = b.buffer[:0]
	return agg, true
}
