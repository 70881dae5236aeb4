// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Turn Identity
// =============================================================================

// Turn identifies one user query/response cycle.
//
// # Description
//
// A turn is the unit of streaming work and of durable persistence. Turns are
// never reopened; a retried query mints a new MessageID on the same
// SessionID.
type Turn struct {
	SessionID string `json:"session_id" bson:"session_id"`
	MessageID string `json:"message_id" bson:"message_id"`
}

// =============================================================================
// Transcript Entries
// =============================================================================

// EntryType tags one durable transcript entry.
type EntryType string

const (
	EntryHumanInput   EntryType = "human_input"
	EntryResearchStep EntryType = "research_step"
	EntryResponse     EntryType = "response"
	EntrySources      EntryType = "sources"
	EntryStockChart   EntryType = "stock_chart"
	EntryError        EntryType = "error"
	EntryMetadata     EntryType = "metadata"
)

// TranscriptEntry is one durable-storage-bound record of a turn.
//
// # Description
//
// Entries are derived from client events by the transcript recorder.
// Incremental chunk events are never stored verbatim; only their
// concatenation appears, as a single EntryResponse (or EntryResearchStep)
// per producing agent.
//
// # Fields
//
//   - Type: Entry tag; drives which payload fields are meaningful.
//   - AgentName: Producing agent, when applicable.
//   - ID: Correlation id carried over from the client event, when applicable.
//   - Title: Research step description (EntryResearchStep).
//   - Content: Text payload (EntryHumanInput, EntryResponse, EntryError).
//   - Sources: Collected links (EntrySources).
//   - Stock: Chart payload (EntryStockChart).
//   - Data: Free-form metadata (EntryMetadata).
type TranscriptEntry struct {
	Type      EntryType      `json:"type" bson:"type"`
	AgentName string         `json:"agent_name,omitempty" bson:"agent_name,omitempty"`
	ID        string         `json:"id,omitempty" bson:"id,omitempty"`
	Title     string         `json:"title,omitempty" bson:"title,omitempty"`
	Content   string         `json:"content,omitempty" bson:"content,omitempty"`
	Sources   []Source       `json:"sources,omitempty" bson:"sources,omitempty"`
	Stock     *StockSnapshot `json:"stock,omitempty" bson:"stock,omitempty"`
	Data      map[string]any `json:"data,omitempty" bson:"data,omitempty"`
}
