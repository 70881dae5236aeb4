// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the assistant service.
//
// This file defines the two event vocabularies the streaming pipeline
// translates between: RawEvent (what an agent executor emits) and
// ClientEvent (what the HTTP client receives over SSE).
package datatypes

import "strings"

// =============================================================================
// Raw Events (executor side)
// =============================================================================

// StreamMode distinguishes the three channels an executor emits on.
//
// # Description
//
// Executors multiplex three kinds of signals onto one stream:
//   - ModeUpdates: state deltas (tool calls, tool results, final text)
//   - ModeMessages: incremental token chunks
//   - ModeCustom: out-of-band signals (progress, related queries)
type StreamMode string

const (
	ModeUpdates  StreamMode = "updates"
	ModeMessages StreamMode = "messages"
	ModeCustom   StreamMode = "custom"
)

// ToolCall describes one tool invocation requested by an agent.
//
// # Fields
//
//   - ID: Executor-assigned call identifier.
//   - Name: Tool name (e.g., "search_company_info", "get_stock_data").
//   - Arguments: Decoded tool arguments. The optional "explanation" key, when
//     present, is the agent's own human-readable description of the call and
//     takes precedence over synthesized titles.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Explanation returns the agent-supplied explanation argument, if any.
func (tc ToolCall) Explanation() string {
	if tc.Arguments == nil {
		return ""
	}
	if s, ok := tc.Arguments["explanation"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// ToolResult carries the outcome of one tool invocation.
//
// # Fields
//
//   - CallID: Matches the originating ToolCall.ID.
//   - Name: Tool name that produced the result.
//   - Stock: Set when the tool's semantic role is structured financial data.
//   - Hits: Set when the tool's semantic role is web/document search.
//   - Err: Embedded error marker from the tool itself ("" when clean).
type ToolResult struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Stock  *StockSnapshot `json:"stock,omitempty"`
	Hits   []SearchHit    `json:"hits,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// SearchHit is one link returned by a search tool.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// TokenUsage captures token counters reported by a model backend.
type TokenUsage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// Add accumulates another usage sample into this one. The model name of the
// first non-empty sample wins.
func (u *TokenUsage) Add(other TokenUsage) {
	if u.Model == "" {
		u.Model = other.Model
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// RawEvent is one unprocessed signal from an agent executor.
//
// # Description
//
// RawEvent is the producer-tagged union consumed by the event classifier.
// Exactly which payload fields are set depends on Mode:
//
//   - ModeUpdates: ToolCalls, ToolResult, or Text (with optional Usage)
//   - ModeMessages: Chunk plus UnitID
//   - ModeCustom: Custom
//
// A malformed combination is not an error at this layer; the classifier
// degrades unrecognized shapes to zero client events.
//
// # Fields
//
//   - Producer: Identity of the sub-agent that emitted the event. Empty for
//     top-level events.
//   - Mode: Which channel the event arrived on.
//   - ToolCalls: Tool invocations the agent decided to make.
//   - ToolResult: Outcome of a previously requested tool call.
//   - Text: Full assistant text (no tool calls).
//   - Chunk: Incremental text fragment (ModeMessages only).
//   - UnitID: Correlates every Chunk belonging to one logical message.
//   - Usage: Token counters attached to an assistant message. Consumed for
//     cost accounting; never forwarded to the client as its own event.
//   - Custom: Producer-specific out-of-band payload.
type RawEvent struct {
	Producer   string
	Mode       StreamMode
	ToolCalls  []ToolCall
	ToolResult *ToolResult
	Text       string
	Chunk      string
	UnitID     string
	Usage      *TokenUsage
	Custom     map[string]any
}

// =============================================================================
// Client Events (wire side)
// =============================================================================

// EventKind identifies a normalized client event.
//
// The set is closed: the SSE serializer and the transcript recorder both
// switch exhaustively on it.
type EventKind string

const (
	KindConnected      EventKind = "connected"
	KindResearch       EventKind = "research"
	KindResearchChunk  EventKind = "research-chunk"
	KindResponse       EventKind = "response"
	KindResponseChunk  EventKind = "response-chunk"
	KindStockData      EventKind = "stock-data"
	KindSources        EventKind = "sources"
	KindRelatedQueries EventKind = "related-queries"
	KindProgress       EventKind = "progress"
	KindResponseTime   EventKind = "response-time"
	KindError          EventKind = "error"
	KindMetadata       EventKind = "metadata"
	KindComplete       EventKind = "complete"
	KindKeepAlive      EventKind = "keep-alive"
)

// IsChunk reports whether the kind is an incremental fragment that the chunk
// batcher may coalesce.
func (k EventKind) IsChunk() bool {
	return strings.HasSuffix(string(k), "-chunk")
}

// ClientEvent is the normalized, wire-stable event unit.
//
// # Description
//
// ClientEvent is what the classifier produces, the batcher coalesces, the
// SSE writer serializes, and the recorder persists. Field usage by kind:
//
//   - KindResearch: AgentName, Title (step description), ID
//   - KindResearchChunk / KindResponseChunk: AgentName, Content, ID
//   - KindResponse: AgentName, Content (full text), ID
//   - KindStockData: Stock, ID (fresh correlation id)
//   - KindSources: SourceList
//   - KindRelatedQueries: Queries
//   - KindResponseTime: Content (preformatted duration)
//   - KindError: Content (client-safe message)
//   - KindMetadata: Data
//   - KindComplete / KindConnected / KindKeepAlive: no payload here; the SSE
//     writer fills frame fields from turn state
//
// # Ordering
//
// Classifiers return client events in a significant order; callers must not
// reorder them across non-chunk boundaries.
type ClientEvent struct {
	Kind       EventKind
	AgentName  string
	ID         string
	Title      string
	Content    string
	Stock      *StockSnapshot
	SourceList []Source
	Queries    []string
	Data       map[string]any
}

// Source is one attributed link collected during research.
type Source struct {
	Title  string `json:"title" bson:"title"`
	URL    string `json:"url" bson:"url"`
	Domain string `json:"domain" bson:"domain"`
}
