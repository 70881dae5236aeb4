// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the event classifier: the pure translation layer
// from raw executor events to the client event vocabulary. Classification
// performs no I/O and never aborts a turn; a malformed event degrades to
// an empty result.
package stream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/finsightai/finsight/pkg/validation"
	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Result Type
// =============================================================================

// Result is the outcome of classifying one raw event.
//
// # Description
//
// Classification either succeeds with zero or more client events plus
// out-of-band side channels (collected sources, token usage), or fails with
// a reason. Failure handling is the caller's visible branch; classifiers
// themselves never panic and never perform I/O.
//
// # Fields
//
//   - Events: Ordered client events. Callers must not reorder them.
//   - Sources: Links collected from search results, accumulated by the
//     driver for a single sources event at completion.
//   - Usage: Token usage captured from an assistant event. Consumed for
//     cost accounting only; never becomes a client event itself.
//   - Reason: Non-empty when classification failed.
type Result struct {
	Events  []datatypes.ClientEvent
	Sources []datatypes.Source
	Usage   *datatypes.TokenUsage
	Reason  string
}

// Success builds a successful result from an ordered list of events.
func Success(events ...datatypes.ClientEvent) Result {
	return Result{Events: events}
}

// Failure builds a failed result with a diagnostic reason.
func Failure(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Failed reports whether classification failed.
func (r Result) Failed() bool {
	return r.Reason != ""
}

// =============================================================================
// Classifier Registry
// =============================================================================

// Classifier translates one raw event into client events.
type Classifier interface {
	Classify(ev datatypes.RawEvent) Result
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ev datatypes.RawEvent) Result

// Classify calls f(ev).
func (f ClassifierFunc) Classify(ev datatypes.RawEvent) Result {
	return f(ev)
}

// Registry maps producer identities to their classifiers.
//
// # Description
//
// Raw events are keyed by the component that produced them. Each producer
// registers a classifier implementing the shared mapping contract; lookups
// for unknown producers return a default classifier that yields an empty
// result, so an unrecognized upstream component can never abort a turn.
type Registry struct {
	byProducer map[string]Classifier
	fallback   Classifier
}

// NewRegistry creates a registry with the standard producers wired.
func NewRegistry() *Registry {
	r := &Registry{
		byProducer: make(map[string]Classifier),
		fallback:   ClassifierFunc(classifyUnknown),
	}

	r.Register(datatypes.ProducerResponder, ClassifierFunc(classifyResponder))
	r.Register(datatypes.ProducerPlanner, ClassifierFunc(classifyPlanner))
	r.Register(datatypes.ProducerWebResearcher, ClassifierFunc(classifyWebResearcher))
	r.Register(datatypes.ProducerFinanceAnalyst, ClassifierFunc(classifyFinanceAnalyst))
	r.Register(datatypes.ProducerSummarizer, ClassifierFunc(classifyResponder))

	return r
}

// Register binds a classifier to a producer identity.
func (r *Registry) Register(producer string, c Classifier) {
	r.byProducer[producer] = c
}

// Classify routes one raw event to its producer's classifier. Events with
// no producer tag are treated as coming from the top-level responder.
func (r *Registry) Classify(ev datatypes.RawEvent) Result {
	producer := ev.Producer
	if producer == "" {
		producer = datatypes.ProducerResponder
	}

	c, ok := r.byProducer[producer]
	if !ok {
		c = r.fallback
	}

	return c.Classify(ev)
}

// =============================================================================
// Tool Title Table
// =============================================================================

// toolTitles maps known tool names to human-readable step descriptions.
// An explicit explanation argument on the call takes precedence; an
// unrecognized tool falls back to genericToolTitle.
var toolTitles = map[string]string{
	"search_company_info":  "Searching company information",
	"web_search":           "Searching the web",
	"fetch_stock_data":     "Fetching stock data",
	"fetch_price_history":  "Fetching price history",
	"fetch_fundamentals":   "Fetching company fundamentals",
	"read_document":        "Reading document",
	"summarize_history":    "Summarizing conversation history",
	"compare_companies":    "Comparing companies",
	"screen_stocks":        "Screening stocks",
	"fetch_market_news":    "Fetching market news",
	"calculate_financials": "Running financial calculations",
}

const genericToolTitle = "Performing tool call"

// titleForCall resolves the research-step title for one tool call.
func titleForCall(call datatypes.ToolCall) string {
	if exp := call.Explanation(); exp != "" {
		return exp
	}
	if title, ok := toolTitles[call.Name]; ok {
		return title
	}
	return genericToolTitle
}

// =============================================================================
// Producer Classifiers
// =============================================================================

// classifyResponder handles the top-level responder (and the summarizer,
// which shares its shape).
//
// Mapping:
//   - tool calls requested: one research event per call
//   - incremental tokens: response-chunk events sharing the unit id
//   - assistant text without tool calls: a terminal response event
//   - token usage: captured on the side channel, no client event
func classifyResponder(ev datatypes.RawEvent) Result {
	agent := agentName(ev)

	switch ev.Mode {
	case datatypes.ModeMessages:
		return classifyChunk(ev, datatypes.KindResponseChunk, agent)

	case datatypes.ModeUpdates:
		res := Result{Usage: ev.Usage}

		if len(ev.ToolCalls) > 0 {
			res.Events = researchForCalls(ev.ToolCalls, agent)
			return res
		}

		if ev.ToolResult != nil {
			res.Events = append(res.Events, analyzingEvent(ev.ToolResult, agent))
			return res
		}

		if ev.Text != "" {
			res.Events = append(res.Events, datatypes.ClientEvent{
				Kind:      datatypes.KindResponse,
				AgentName: agent,
				ID:        unitID(ev),
				Content:   ev.Text,
			})
		}
		return res

	case datatypes.ModeCustom:
		return classifyCustom(ev, agent)
	}

	return Success()
}

// classifyPlanner handles the planning agent. Its text is a research step,
// never a terminal response.
func classifyPlanner(ev datatypes.RawEvent) Result {
	agent := agentName(ev)

	switch ev.Mode {
	case datatypes.ModeMessages:
		return classifyChunk(ev, datatypes.KindResearchChunk, agent)

	case datatypes.ModeUpdates:
		res := Result{Usage: ev.Usage}

		if len(ev.ToolCalls) > 0 {
			res.Events = researchForCalls(ev.ToolCalls, agent)
			return res
		}

		if ev.ToolResult != nil {
			res.Events = append(res.Events, analyzingEvent(ev.ToolResult, agent))
			return res
		}

		if ev.Text != "" {
			res.Events = append(res.Events, taskCompleteEvent(ev, agent))
		}
		return res

	case datatypes.ModeCustom:
		return classifyCustom(ev, agent)
	}

	return Success()
}

// classifyWebResearcher handles the search agent. Search results become a
// research event listing the links and feed the sources side channel.
func classifyWebResearcher(ev datatypes.RawEvent) Result {
	agent := agentName(ev)

	switch ev.Mode {
	case datatypes.ModeMessages:
		return classifyChunk(ev, datatypes.KindResearchChunk, agent)

	case datatypes.ModeUpdates:
		res := Result{Usage: ev.Usage}

		if len(ev.ToolCalls) > 0 {
			res.Events = researchForCalls(ev.ToolCalls, agent)
			return res
		}

		if tr := ev.ToolResult; tr != nil {
			if len(tr.Hits) > 0 {
				event, sources := searchResultEvents(tr, agent)
				res.Events = append(res.Events, event)
				res.Sources = sources
			} else {
				res.Events = append(res.Events, analyzingEvent(tr, agent))
			}
			return res
		}

		if ev.Text != "" {
			res.Events = append(res.Events, taskCompleteEvent(ev, agent))
		}
		return res

	case datatypes.ModeCustom:
		return classifyCustom(ev, agent)
	}

	return Success()
}

// classifyFinanceAnalyst handles structured finance lookups. A clean
// quote+history pair additionally becomes a stock-data event with a fresh
// correlation id.
func classifyFinanceAnalyst(ev datatypes.RawEvent) Result {
	agent := agentName(ev)

	switch ev.Mode {
	case datatypes.ModeMessages:
		return classifyChunk(ev, datatypes.KindResearchChunk, agent)

	case datatypes.ModeUpdates:
		res := Result{Usage: ev.Usage}

		if len(ev.ToolCalls) > 0 {
			res.Events = researchForCalls(ev.ToolCalls, agent)
			return res
		}

		if tr := ev.ToolResult; tr != nil {
			res.Events = append(res.Events, analyzingEvent(tr, agent))

			// Symbols originate in model-generated tool arguments, so a
			// snapshot is only chartable once its symbol validates.
			if tr.Stock != nil && !tr.Stock.HasError() &&
				validation.ValidateSymbol(tr.Stock.Symbol) == nil {
				res.Events = append(res.Events, datatypes.ClientEvent{
					Kind:      datatypes.KindStockData,
					AgentName: agent,
					ID:        uuid.New().String(),
					Stock:     tr.Stock,
				})
			}
			return res
		}

		if ev.Text != "" {
			res.Events = append(res.Events, taskCompleteEvent(ev, agent))
		}
		return res

	case datatypes.ModeCustom:
		return classifyCustom(ev, agent)
	}

	return Success()
}

// classifyUnknown is the registry fallback. An unrecognized producer's
// events are dropped rather than aborting the turn.
func classifyUnknown(_ datatypes.RawEvent) Result {
	return Success()
}

// =============================================================================
// Shared Mapping Helpers
// =============================================================================

// agentName resolves the display name attached to emitted events.
func agentName(ev datatypes.RawEvent) string {
	if ev.Producer != "" {
		return ev.Producer
	}
	return datatypes.ProducerResponder
}

// unitID resolves the correlation id for one logical message. Every chunk
// of the same message must carry the same id so it can be reassembled.
func unitID(ev datatypes.RawEvent) string {
	if ev.UnitID != "" {
		return ev.UnitID
	}
	return uuid.New().String()
}

// classifyChunk maps an incremental token to a chunk event. Tokens outside
// messages mode and empty fragments produce nothing.
func classifyChunk(ev datatypes.RawEvent, kind datatypes.EventKind, agent string) Result {
	if ev.Chunk == "" {
		return Success()
	}
	if ev.UnitID == "" {
		return Failure("chunk event from %q has no unit id", agent)
	}

	return Success(datatypes.ClientEvent{
		Kind:      kind,
		AgentName: agent,
		ID:        ev.UnitID,
		Content:   ev.Chunk,
	})
}

// researchForCalls emits one research event per requested tool call.
func researchForCalls(calls []datatypes.ToolCall, agent string) []datatypes.ClientEvent {
	events := make([]datatypes.ClientEvent, 0, len(calls))
	for _, call := range calls {
		events = append(events, datatypes.ClientEvent{
			Kind:      datatypes.KindResearch,
			AgentName: agent,
			ID:        call.ID,
			Title:     titleForCall(call),
		})
	}
	return events
}

// analyzingEvent describes that a tool result is being analyzed.
func analyzingEvent(tr *datatypes.ToolResult, agent string) datatypes.ClientEvent {
	title := "Analyzing result"
	if tr.Name != "" {
		title = fmt.Sprintf("Analyzing result from %s", tr.Name)
	}

	return datatypes.ClientEvent{
		Kind:      datatypes.KindResearch,
		AgentName: agent,
		ID:        tr.CallID,
		Title:     title,
	}
}

// taskCompleteEvent marks a sub-agent's text as a finished research step.
func taskCompleteEvent(ev datatypes.RawEvent, agent string) datatypes.ClientEvent {
	return datatypes.ClientEvent{
		Kind:      datatypes.KindResearch,
		AgentName: agent,
		ID:        unitID(ev),
		Title:     fmt.Sprintf("%s completed its task", agent),
		Content:   ev.Text,
	}
}

// searchResultEvents turns search hits into a research event listing the
// links and the sources collected for later emission. Links are
// deduplicated by URL and titled by their second-level domain.
func searchResultEvents(tr *datatypes.ToolResult, agent string) (datatypes.ClientEvent, []datatypes.Source) {
	seen := make(map[string]bool, len(tr.Hits))
	sources := make([]datatypes.Source, 0, len(tr.Hits))
	var lines []string

	for _, hit := range tr.Hits {
		if hit.URL == "" || seen[hit.URL] {
			continue
		}
		seen[hit.URL] = true

		domain := secondLevelDomain(hit.URL)
		title := hit.Title
		if title == "" {
			title = domain
		}

		sources = append(sources, datatypes.Source{
			Title:  title,
			URL:    hit.URL,
			Domain: domain,
		})
		lines = append(lines, fmt.Sprintf("%s (%s)", domain, hit.URL))
	}

	event := datatypes.ClientEvent{
		Kind:      datatypes.KindResearch,
		AgentName: agent,
		ID:        tr.CallID,
		Title:     fmt.Sprintf("Found %d sources", len(sources)),
		Content:   strings.Join(lines, "\n"),
	}

	return event, sources
}

// secondLevelDomain extracts the registrable domain from a URL, e.g.
// "https://www.reuters.com/markets/apple" yields "reuters.com". Unparseable
// URLs fall back to the raw string.
func secondLevelDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return strings.Join(labels, ".")
}

// classifyCustom maps out-of-band signals. Recognized shapes are progress
// notes and related query suggestions; anything else is dropped.
func classifyCustom(ev datatypes.RawEvent, agent string) Result {
	if ev.Custom == nil {
		return Success()
	}

	switch kind, _ := ev.Custom["type"].(string); kind {
	case "progress":
		content, _ := ev.Custom["content"].(string)
		if content == "" {
			return Success()
		}
		return Success(datatypes.ClientEvent{
			Kind:      datatypes.KindProgress,
			AgentName: agent,
			Content:   content,
		})

	case "related_queries":
		queries := stringSlice(ev.Custom["queries"])
		if len(queries) == 0 {
			return Success()
		}
		return Success(datatypes.ClientEvent{
			Kind:      datatypes.KindRelatedQueries,
			AgentName: agent,
			Queries:   queries,
		})
	}

	return Success()
}

// stringSlice coerces a decoded JSON value into a string slice.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
