// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Test: Registry Routing
// =============================================================================

// TestRegistry_RoutesByProducer verifies that each registered producer gets
// its own classifier and unknown producers fall back to a silent drop.
func TestRegistry_RoutesByProducer(t *testing.T) {
	r := NewRegistry()

	// Planner text is a research step, not a terminal response.
	res := r.Classify(datatypes.RawEvent{
		Producer: datatypes.ProducerPlanner,
		Mode:     datatypes.ModeUpdates,
		Text:     "I will fetch the latest filings.",
	})
	require.False(t, res.Failed())
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResearch, res.Events[0].Kind)

	// Unknown producers are dropped without failing the turn.
	res = r.Classify(datatypes.RawEvent{
		Producer: "mystery_agent",
		Mode:     datatypes.ModeUpdates,
		Text:     "noise",
	})
	require.False(t, res.Failed())
	assert.Empty(t, res.Events)
}

// TestRegistry_EmptyProducerIsResponder verifies that untagged events route
// to the top-level responder.
func TestRegistry_EmptyProducerIsResponder(t *testing.T) {
	r := NewRegistry()

	res := r.Classify(datatypes.RawEvent{
		Mode: datatypes.ModeUpdates,
		Text: "Apple closed up 2%.",
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResponse, res.Events[0].Kind)
	assert.Equal(t, datatypes.ProducerResponder, res.Events[0].AgentName)
}

// =============================================================================
// Test: Responder Mapping
// =============================================================================

// TestClassifyResponder_Chunks verifies token chunk mapping.
func TestClassifyResponder_Chunks(t *testing.T) {
	res := classifyResponder(datatypes.RawEvent{
		Mode:   datatypes.ModeMessages,
		Chunk:  "Hel",
		UnitID: "msg-1",
	})
	require.False(t, res.Failed())
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResponseChunk, res.Events[0].Kind)
	assert.Equal(t, "Hel", res.Events[0].Content)
	assert.Equal(t, "msg-1", res.Events[0].ID)
}

// TestClassifyResponder_ChunkWithoutUnitID verifies the failure branch:
// a chunk that cannot be correlated is a classification failure, not a
// silently misfiled fragment.
func TestClassifyResponder_ChunkWithoutUnitID(t *testing.T) {
	res := classifyResponder(datatypes.RawEvent{
		Mode:  datatypes.ModeMessages,
		Chunk: "orphan",
	})
	assert.True(t, res.Failed())
	assert.Empty(t, res.Events)
}

// TestClassifyResponder_EmptyChunkIsDropped verifies empty fragments
// produce nothing.
func TestClassifyResponder_EmptyChunkIsDropped(t *testing.T) {
	res := classifyResponder(datatypes.RawEvent{
		Mode:   datatypes.ModeMessages,
		UnitID: "msg-1",
	})
	require.False(t, res.Failed())
	assert.Empty(t, res.Events)
}

// TestClassifyResponder_UsageSideChannel verifies that token usage never
// becomes a client event.
func TestClassifyResponder_UsageSideChannel(t *testing.T) {
	usage := &datatypes.TokenUsage{Model: "gpt-4o", InputTokens: 100, OutputTokens: 40}
	res := classifyResponder(datatypes.RawEvent{
		Mode:  datatypes.ModeUpdates,
		Text:  "Final answer.",
		Usage: usage,
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResponse, res.Events[0].Kind)
	assert.Same(t, usage, res.Usage)
}

// =============================================================================
// Test: Tool Call Titles
// =============================================================================

// TestTitleForCall covers the precedence rules for research-step titles.
//
// # Description
//
// The explanation argument beats the tool title table, the table beats the
// generic fallback, and whitespace-only explanations don't count.
func TestTitleForCall(t *testing.T) {
	tests := []struct {
		name string
		call datatypes.ToolCall
		want string
	}{
		{
			name: "explanation wins",
			call: datatypes.ToolCall{
				Name:      "web_search",
				Arguments: map[string]any{"explanation": "Checking earnings call coverage"},
			},
			want: "Checking earnings call coverage",
		},
		{
			name: "known tool falls back to the table",
			call: datatypes.ToolCall{Name: "search_company_info"},
			want: "Searching company information",
		},
		{
			name: "unknown tool gets the generic title",
			call: datatypes.ToolCall{Name: "do_something_new"},
			want: "Performing tool call",
		},
		{
			name: "blank explanation does not count",
			call: datatypes.ToolCall{
				Name:      "web_search",
				Arguments: map[string]any{"explanation": "   "},
			},
			want: "Searching the web",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titleForCall(tt.call))
		})
	}
}

// TestClassifyResponder_ToolCalls verifies one research event per call,
// keyed by the call id.
func TestClassifyResponder_ToolCalls(t *testing.T) {
	res := classifyResponder(datatypes.RawEvent{
		Mode: datatypes.ModeUpdates,
		ToolCalls: []datatypes.ToolCall{
			{ID: "call-1", Name: "fetch_stock_data"},
			{ID: "call-2", Name: "web_search"},
		},
	})
	require.Len(t, res.Events, 2)
	assert.Equal(t, "call-1", res.Events[0].ID)
	assert.Equal(t, "Fetching stock data", res.Events[0].Title)
	assert.Equal(t, "call-2", res.Events[1].ID)
	assert.Equal(t, "Searching the web", res.Events[1].Title)
	for _, ev := range res.Events {
		assert.Equal(t, datatypes.KindResearch, ev.Kind)
	}
}

// TestClassifyResponder_ToolResult verifies the analyzing step.
func TestClassifyResponder_ToolResult(t *testing.T) {
	res := classifyResponder(datatypes.RawEvent{
		Mode: datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{
			CallID: "call-1",
			Name:   "fetch_stock_data",
		},
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResearch, res.Events[0].Kind)
	assert.Equal(t, "Analyzing result from fetch_stock_data", res.Events[0].Title)
	assert.Equal(t, "call-1", res.Events[0].ID)
}

// =============================================================================
// Test: Web Researcher Mapping
// =============================================================================

// TestClassifyWebResearcher_SearchHits verifies the link listing and the
// sources side channel, including URL deduplication and domain titling.
func TestClassifyWebResearcher_SearchHits(t *testing.T) {
	res := classifyWebResearcher(datatypes.RawEvent{
		Producer: datatypes.ProducerWebResearcher,
		Mode:     datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{
			CallID: "call-7",
			Name:   "web_search",
			Hits: []datatypes.SearchHit{
				{Title: "Apple Q3 results", URL: "https://www.reuters.com/markets/apple-q3"},
				{Title: "Duplicate link", URL: "https://www.reuters.com/markets/apple-q3"},
				{URL: "https://news.ycombinator.com/item?id=1"},
				{Title: "No URL, dropped"},
			},
		},
	})
	require.False(t, res.Failed())
	require.Len(t, res.Events, 1)
	require.Len(t, res.Sources, 2)

	assert.Equal(t, "Found 2 sources", res.Events[0].Title)
	assert.Equal(t, "call-7", res.Events[0].ID)
	assert.Contains(t, res.Events[0].Content, "reuters.com")

	assert.Equal(t, "Apple Q3 results", res.Sources[0].Title)
	assert.Equal(t, "reuters.com", res.Sources[0].Domain)
	// A hit without a title is titled by its domain.
	assert.Equal(t, "ycombinator.com", res.Sources[1].Title)
}

// TestClassifyWebResearcher_EmptyHits verifies the analyzing fallback when
// a search result carries no links.
func TestClassifyWebResearcher_EmptyHits(t *testing.T) {
	res := classifyWebResearcher(datatypes.RawEvent{
		Producer:   datatypes.ProducerWebResearcher,
		Mode:       datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{CallID: "call-8", Name: "web_search"},
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Analyzing result from web_search", res.Events[0].Title)
	assert.Empty(t, res.Sources)
}

// TestSecondLevelDomain covers domain extraction edge cases.
func TestSecondLevelDomain(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.reuters.com/markets/apple", "reuters.com"},
		{"https://finance.yahoo.com/quote/AAPL", "yahoo.com"},
		{"https://example.com", "example.com"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, secondLevelDomain(tt.url), "url: %s", tt.url)
	}
}

// =============================================================================
// Test: Finance Analyst Mapping
// =============================================================================

// TestClassifyFinanceAnalyst_CleanStock verifies that a clean snapshot
// yields both the analyzing step and a stock-data event with a fresh id.
func TestClassifyFinanceAnalyst_CleanStock(t *testing.T) {
	res := classifyFinanceAnalyst(datatypes.RawEvent{
		Producer: datatypes.ProducerFinanceAnalyst,
		Mode:     datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{
			CallID: "call-3",
			Name:   "fetch_stock_data",
			Stock:  &datatypes.StockSnapshot{Symbol: "AAPL", AsOf: 1700000000},
		},
	})
	require.Len(t, res.Events, 2)
	assert.Equal(t, datatypes.KindResearch, res.Events[0].Kind)
	assert.Equal(t, datatypes.KindStockData, res.Events[1].Kind)
	assert.NotEmpty(t, res.Events[1].ID)
	assert.NotEqual(t, "call-3", res.Events[1].ID, "stock data gets its own correlation id")
	require.NotNil(t, res.Events[1].Stock)
	assert.Equal(t, "AAPL", res.Events[1].Stock.Symbol)
}

// TestClassifyFinanceAnalyst_ErroredStock verifies that a snapshot with an
// embedded error marker is analyzed but never charted.
func TestClassifyFinanceAnalyst_ErroredStock(t *testing.T) {
	res := classifyFinanceAnalyst(datatypes.RawEvent{
		Producer: datatypes.ProducerFinanceAnalyst,
		Mode:     datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{
			CallID: "call-4",
			Name:   "fetch_stock_data",
			Stock: &datatypes.StockSnapshot{
				Symbol: "AAPL",
				Quote:  datatypes.StockQuote{Symbol: "AAPL", Err: "rate limited"},
			},
		},
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResearch, res.Events[0].Kind)
}

// TestClassifyFinanceAnalyst_MalformedSymbol verifies that a snapshot
// whose symbol fails validation is analyzed but never charted.
func TestClassifyFinanceAnalyst_MalformedSymbol(t *testing.T) {
	res := classifyFinanceAnalyst(datatypes.RawEvent{
		Producer: datatypes.ProducerFinanceAnalyst,
		Mode:     datatypes.ModeUpdates,
		ToolResult: &datatypes.ToolResult{
			CallID: "call-5",
			Name:   "fetch_stock_data",
			Stock:  &datatypes.StockSnapshot{Symbol: "aapl; drop", AsOf: 1700000000},
		},
	})
	require.Len(t, res.Events, 1)
	assert.Equal(t, datatypes.KindResearch, res.Events[0].Kind)
}

// =============================================================================
// Test: Custom Signals
// =============================================================================

// TestClassifyCustom covers progress and related-query signals plus the
// drop path for unrecognized shapes.
func TestClassifyCustom(t *testing.T) {
	t.Run("progress", func(t *testing.T) {
		res := classifyCustom(datatypes.RawEvent{
			Mode:   datatypes.ModeCustom,
			Custom: map[string]any{"type": "progress", "content": "Halfway there"},
		}, "planner")
		require.Len(t, res.Events, 1)
		assert.Equal(t, datatypes.KindProgress, res.Events[0].Kind)
		assert.Equal(t, "Halfway there", res.Events[0].Content)
	})

	t.Run("related queries", func(t *testing.T) {
		res := classifyCustom(datatypes.RawEvent{
			Mode: datatypes.ModeCustom,
			Custom: map[string]any{
				"type":    "related_queries",
				"queries": []any{"AAPL dividend history", "AAPL vs MSFT"},
			},
		}, "responder")
		require.Len(t, res.Events, 1)
		assert.Equal(t, datatypes.KindRelatedQueries, res.Events[0].Kind)
		assert.Equal(t, []string{"AAPL dividend history", "AAPL vs MSFT"}, res.Events[0].Queries)
	})

	t.Run("unknown shape dropped", func(t *testing.T) {
		res := classifyCustom(datatypes.RawEvent{
			Mode:   datatypes.ModeCustom,
			Custom: map[string]any{"type": "telemetry"},
		}, "responder")
		assert.Empty(t, res.Events)
		assert.False(t, res.Failed())
	})

	t.Run("nil payload dropped", func(t *testing.T) {
		res := classifyCustom(datatypes.RawEvent{Mode: datatypes.ModeCustom}, "responder")
		assert.Empty(t, res.Events)
	})
}

// =============================================================================
// Test: Result Type
// =============================================================================

func TestResult_Failed(t *testing.T) {
	assert.False(t, Success().Failed())
	assert.True(t, Failure("bad event: %s", "reason").Failed())
	assert.Equal(t, "bad event: reason", Failure("bad event: %s", "reason").Reason)
}
