// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the partial-persistence recorder: at-least-once,
// duplicate-free capture of a turn's transcript regardless of whether the
// turn completes, is cancelled, or errors out. There is no separate
// "partial" schema; a cancelled turn's document is simply shorter.
package stream

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

// NoResponsePlaceholder is persisted when a turn ends before any response
// content was recorded, so readers never see a turn without a response.
const NoResponsePlaceholder = "No response was generated for this query."

// FlushReason names the terminal path that triggered persistence.
type FlushReason string

const (
	FlushCompleted FlushReason = "completed"
	FlushCancelled FlushReason = "cancelled"
	FlushErrored   FlushReason = "errored"
)

// =============================================================================
// Interfaces
// =============================================================================

// TranscriptStore is the durable-store contract the recorder writes to.
//
// Append must use upsert semantics keyed by the turn's (session_id,
// message_id) so a repeated flush overwrites rather than duplicates.
type TranscriptStore interface {
	Append(ctx context.Context, turn datatypes.Turn, entries []datatypes.TranscriptEntry, meta AppendMeta) error
}

// AppendMeta carries per-turn accounting persisted alongside the entries.
type AppendMeta struct {
	Cost      CostSummary
	Retry     bool
	TimeTaken time.Duration
	Reason    FlushReason
}

// =============================================================================
// Structs
// =============================================================================

// responseRun tracks one in-progress streamed response, identified by
// (agent_name, id). Fragments accumulate in secure memory until flush.
type responseRun struct {
	entryIdx int
	acc      ChunkAccumulator
	complete bool
}

// Recorder accumulates a turn's transcript in memory and persists it once.
//
// # Description
//
// The driver feeds every wire-emitted client event to Record. Chunk
// aggregates are reassembled per (agent_name, id): response fragments go
// through a mlocked ChunkAccumulator and only materialize as plain strings
// at flush time; research fragments concatenate in place. Stock data is
// deduplicated by (symbol, timestamp). Flush converts the accumulated
// entries to the durable shape and writes them exactly once; a second call
// is a no-op, and the store's upsert keying makes even a buggy double
// write duplicate-free.
//
// # Thread Safety
//
// Not safe for concurrent use. A Recorder is owned by one turn's driver.
type Recorder struct {
	turn    datatypes.Turn
	store   TranscriptStore
	entries []datatypes.TranscriptEntry

	responseRuns map[string]*responseRun
	researchRuns map[string]int
	seenStock    map[string]bool
	sources      []datatypes.Source

	flushed bool

	// newAccumulator is swappable in tests to avoid mlock requirements.
	newAccumulator func() (ChunkAccumulator, error)
}

// NewRecorder creates a recorder for one turn. Panics if store is nil.
func NewRecorder(turn datatypes.Turn, store TranscriptStore) *Recorder {
	if store == nil {
		panic("NewRecorder: store must not be nil")
	}

	return &Recorder{
		turn:           turn,
		store:          store,
		responseRuns:   make(map[string]*responseRun),
		researchRuns:   make(map[string]int),
		seenStock:      make(map[string]bool),
		newAccumulator: NewChunkAccumulator,
	}
}

// =============================================================================
// Methods
// =============================================================================

// RecordHumanInput records the user's query as the opening transcript entry.
func (r *Recorder) RecordHumanInput(text string) {
	r.entries = append(r.entries, datatypes.TranscriptEntry{
		Type:    datatypes.EntryHumanInput,
		Content: text,
	})
}

// Record appends one wire-emitted client event to the in-memory transcript.
//
// Pure append; no I/O. Wire-only kinds (connected, keep-alive, progress,
// response-time, complete, related-queries) are not persisted.
func (r *Recorder) Record(ev datatypes.ClientEvent) {
	if r.flushed {
		return
	}

	switch ev.Kind {
	case datatypes.KindResponseChunk:
		r.recordResponseFragment(ev)

	case datatypes.KindResponse:
		r.recordResponse(ev)

	case datatypes.KindResearchChunk:
		r.recordResearchFragment(ev)

	case datatypes.KindResearch:
		r.entries = append(r.entries, datatypes.TranscriptEntry{
			Type:      datatypes.EntryResearchStep,
			AgentName: ev.AgentName,
			ID:        ev.ID,
			Title:     ev.Title,
			Content:   ev.Content,
		})

	case datatypes.KindStockData:
		r.recordStock(ev)

	case datatypes.KindSources:
		r.sources = append(r.sources, ev.SourceList...)

	case datatypes.KindError:
		r.entries = append(r.entries, datatypes.TranscriptEntry{
			Type:    datatypes.EntryError,
			Content: ev.Content,
		})

	case datatypes.KindMetadata:
		r.entries = append(r.entries, datatypes.TranscriptEntry{
			Type: datatypes.EntryMetadata,
			Data: ev.Data,
		})
	}
}

// CollectSources adds classifier-collected sources without emitting them.
func (r *Recorder) CollectSources(sources []datatypes.Source) {
	r.sources = append(r.sources, sources...)
}

// Sources returns the deduplicated sources collected so far, in first-seen
// order. The driver emits these as one sources event at completion.
func (r *Recorder) Sources() []datatypes.Source {
	seen := make(map[string]bool, len(r.sources))
	out := make([]datatypes.Source, 0, len(r.sources))
	for _, src := range r.sources {
		if src.URL == "" || seen[src.URL] {
			continue
		}
		seen[src.URL] = true
		out = append(out, src)
	}
	return out
}

// Flush persists the transcript.
//
// # Description
//
// Finalizes every open response run out of secure memory, folds collected
// sources into a single entry, applies the no-response guard, and hands
// the entries to the store in one upsert. Only the first call writes;
// subsequent calls return nil immediately.
//
// # Inputs
//
//   - ctx: Bounds the store write.
//   - meta: Accounting persisted with the entries (cost, timing, reason).
//
// # Outputs
//
//   - error: Non-nil if the store write failed. The recorder stays
//     unflushed so the caller may retry.
func (r *Recorder) Flush(ctx context.Context, meta AppendMeta) error {
	if r.flushed {
		slog.Warn("Transcript flush called twice, ignoring",
			"session_id", r.turn.SessionID,
			"message_id", r.turn.MessageID,
			"reason", meta.Reason,
		)
		return nil
	}

	r.finalizeResponseRuns()

	entries := r.entries
	if sources := r.Sources(); len(sources) > 0 {
		entries = append(entries, datatypes.TranscriptEntry{
			Type:    datatypes.EntrySources,
			Sources: sources,
		})
	}
	entries = r.applyNoResponseGuard(entries)

	if err := r.store.Append(ctx, r.turn, entries, meta); err != nil {
		return fmt.Errorf("persisting transcript for message %s: %w", r.turn.MessageID, err)
	}

	r.flushed = true

	slog.Info("Transcript persisted",
		"session_id", r.turn.SessionID,
		"message_id", r.turn.MessageID,
		"entries", len(entries),
		"reason", meta.Reason,
	)

	return nil
}

// Destroy wipes any secure buffers still open. Call on paths where the
// turn ends without a flush. Idempotent.
func (r *Recorder) Destroy() {
	for _, run := range r.responseRuns {
		if run.acc != nil {
			run.acc.Destroy()
			run.acc = nil
		}
	}
}

// =============================================================================
// Private Methods
// =============================================================================

// recordResponseFragment absorbs one response-chunk aggregate. The first
// fragment of a (agent_name, id) run claims a slot in the entry order so
// persistence order mirrors emission order; the text itself stays in
// secure memory until flush.
func (r *Recorder) recordResponseFragment(ev datatypes.ClientEvent) {
	run, err := r.runFor(ev)
	if err != nil {
		slog.Error("Could not open response accumulator, dropping fragment",
			"agent", ev.AgentName, "error", err)
		return
	}
	if run.complete {
		return
	}

	if err := run.acc.Write(ev.Content); err != nil {
		// Overflow: everything written so far is preserved at flush.
		slog.Warn("Response fragment dropped",
			"agent", ev.AgentName, "error", err)
	}
}

// recordResponse handles a complete response. A terminal response
// supersedes any chunk run for the same (agent_name, id).
func (r *Recorder) recordResponse(ev datatypes.ClientEvent) {
	key := runKey(ev.AgentName, ev.ID)
	if run, ok := r.responseRuns[key]; ok {
		if run.acc != nil {
			run.acc.Destroy()
			run.acc = nil
		}
		run.complete = true
		r.entries[run.entryIdx].Content = ev.Content
		return
	}

	r.entries = append(r.entries, datatypes.TranscriptEntry{
		Type:      datatypes.EntryResponse,
		AgentName: ev.AgentName,
		ID:        ev.ID,
		Content:   ev.Content,
	})
}

// recordResearchFragment concatenates research-chunk aggregates in place.
// Research text is not secret, so it accumulates directly in the entry.
func (r *Recorder) recordResearchFragment(ev datatypes.ClientEvent) {
	key := runKey(ev.AgentName, ev.ID)
	if idx, ok := r.researchRuns[key]; ok {
		r.entries[idx].Content += ev.Content
		return
	}

	r.entries = append(r.entries, datatypes.TranscriptEntry{
		Type:      datatypes.EntryResearchStep,
		AgentName: ev.AgentName,
		ID:        ev.ID,
		Content:   ev.Content,
	})
	r.researchRuns[key] = len(r.entries) - 1
}

// recordStock appends a stock chart entry, deduplicated by the snapshot's
// (symbol, timestamp) key.
func (r *Recorder) recordStock(ev datatypes.ClientEvent) {
	if ev.Stock == nil {
		return
	}

	key := ev.Stock.DedupKey()
	if r.seenStock[key] {
		return
	}
	r.seenStock[key] = true

	r.entries = append(r.entries, datatypes.TranscriptEntry{
		Type:      datatypes.EntryStockChart,
		AgentName: ev.AgentName,
		ID:        ev.ID,
		Stock:     ev.Stock,
	})
}

// runFor returns the response run for the event, opening one if needed.
func (r *Recorder) runFor(ev datatypes.ClientEvent) (*responseRun, error) {
	key := runKey(ev.AgentName, ev.ID)
	if run, ok := r.responseRuns[key]; ok {
		return run, nil
	}

	acc, err := r.newAccumulator()
	if err != nil {
		return nil, err
	}

	r.entries = append(r.entries, datatypes.TranscriptEntry{
		Type:      datatypes.EntryResponse,
		AgentName: ev.AgentName,
		ID:        ev.ID,
	})

	run := &responseRun{entryIdx: len(r.entries) - 1, acc: acc}
	r.responseRuns[key] = run
	return run, nil
}

// finalizeResponseRuns moves accumulated response text out of secure
// memory into the entries awaiting persistence.
func (r *Recorder) finalizeResponseRuns() {
	for key, run := range r.responseRuns {
		if run.complete || run.acc == nil {
			continue
		}

		text, _, err := run.acc.Finalize()
		run.acc = nil
		if err != nil {
			slog.Error("Could not finalize response run",
				"run", key, "error", err)
			continue
		}
		r.entries[run.entryIdx].Content = text
	}
}

// applyNoResponseGuard appends a placeholder response when no response
// content survived to flush time.
func (r *Recorder) applyNoResponseGuard(entries []datatypes.TranscriptEntry) []datatypes.TranscriptEntry {
	for _, entry := range entries {
		if entry.Type == datatypes.EntryResponse && entry.Content != "" {
			return entries
		}
	}

	return append(entries, datatypes.TranscriptEntry{
		Type:    datatypes.EntryResponse,
		Content: NoResponsePlaceholder,
	})
}

// runKey builds the (agent_name, id) correlation key.
func runKey(agent, id string) string {
	return agent + "|" + id
}
