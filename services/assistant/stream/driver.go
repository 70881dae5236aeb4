// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements the stream driver: the per-turn control loop that
// pulls raw events from the executor, routes them through classification
// and batching, emits the wire protocol, and guarantees the transcript is
// persisted on every terminal path.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/finsightai/finsight/services/assistant/datatypes"
	"github.com/finsightai/finsight/services/assistant/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultKeepAliveInterval bounds each wait for the next raw event.
	DefaultKeepAliveInterval = 5 * time.Second

	// DefaultMaxStallIntervals is how many consecutive keep-alive
	// intervals may elapse with no raw event before the turn is treated
	// as a fatal timeout. 60 intervals at 5s is five minutes.
	DefaultMaxStallIntervals = 60

	// DefaultElaborateThreshold is the emitted-batch count above which a
	// response is considered long. Tunable; the value has no semantic
	// meaning beyond "a lot of output".
	DefaultElaborateThreshold = 300

	// flushTimeout bounds the terminal store write so a wedged store
	// cannot pin the turn's goroutine forever.
	flushTimeout = 10 * time.Second
)

// User-safe terminal messages. Internal details go to logs only.
const (
	timeoutErrorMessage = "The response took too long to generate. Please try again."
	genericErrorMessage = "Something went wrong while generating the response. Please try again."
)

// State is the driver's lifecycle phase.
type State string

const (
	StateStarting   State = "STARTING"
	StateStreaming  State = "STREAMING"
	StateCompleting State = "COMPLETING"
	StateCancelling State = "CANCELLING"
	StateErroring   State = "ERRORING"
	StateClosed     State = "CLOSED"
)

// =============================================================================
// Interfaces
// =============================================================================

// EventSource is the executor-side contract: a stream of raw events that
// ends when the channel closes. Err reports why the stream ended; nil
// means normal exhaustion. Implementations must stop producing promptly
// when the driver's context is cancelled.
type EventSource interface {
	Events() <-chan datatypes.RawEvent
	Err() error
}

// StopMonitor polls the cancellation side channel for this turn.
//
// ShouldCancel must be cheap, must treat store failures as "no signal",
// and must consume a matching signal so it fires at most once.
type StopMonitor interface {
	ShouldCancel(ctx context.Context, turn datatypes.Turn) bool
}

// WireWriter serializes one client event onto the HTTP response stream.
// A returned error means the client is gone.
type WireWriter interface {
	WriteEvent(ev datatypes.ClientEvent) error
}

// =============================================================================
// Structs
// =============================================================================

// DriverConfig carries the tunable pipeline thresholds and the pricing
// table. The zero value is usable; unset fields take the defaults above.
type DriverConfig struct {
	KeepAliveInterval  time.Duration
	MaxStallIntervals  int
	BatchSize          int
	ElaborateThreshold int
	Pricing            PricingTable
}

func (c *DriverConfig) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.MaxStallIntervals <= 0 {
		c.MaxStallIntervals = DefaultMaxStallIntervals
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultChunkBatchSize
	}
	if c.ElaborateThreshold <= 0 {
		c.ElaborateThreshold = DefaultElaborateThreshold
	}
}

// Driver owns one turn's lifecycle.
//
// # Description
//
// The driver runs the state machine STARTING -> STREAMING ->
// {COMPLETING | CANCELLING | ERRORING} -> CLOSED. While streaming, it
// pulls raw events with a bounded wait, emitting keep-alive frames on
// stalls and polling the stop monitor before every wait. Every wire
// emission is mirrored into the recorder, and every terminal path flushes
// the recorder exactly once, so partial work survives cancellation and
// errors.
//
// # Thread Safety
//
// Not safe for concurrent use. One driver serves one turn on one
// goroutine; concurrent turns get independent drivers sharing only the
// durable store and the stop-signal store.
type Driver struct {
	turn     datatypes.Turn
	cfg      DriverConfig
	registry *Registry
	batcher  *Batcher
	recorder *Recorder
	monitor  StopMonitor
	writer   WireWriter
	metrics  *observability.PipelineMetrics
	tracer   trace.Tracer

	state      State
	stall      int
	batches    int
	cost       CostSummary
	related    []string
	clientGone bool
	started    time.Time
}

// NewDriver creates the driver for one turn. Panics if any dependency is
// nil; construction wiring bugs should fail loudly at startup, not
// mid-stream.
func NewDriver(
	turn datatypes.Turn,
	registry *Registry,
	recorder *Recorder,
	monitor StopMonitor,
	writer WireWriter,
	metrics *observability.PipelineMetrics,
	cfg DriverConfig,
) *Driver {
	if registry == nil {
		panic("NewDriver: registry must not be nil")
	}
	if recorder == nil {
		panic("NewDriver: recorder must not be nil")
	}
	if monitor == nil {
		panic("NewDriver: monitor must not be nil")
	}
	if writer == nil {
		panic("NewDriver: writer must not be nil")
	}
	if metrics == nil {
		panic("NewDriver: metrics must not be nil")
	}

	cfg.applyDefaults()

	return &Driver{
		turn:     turn,
		cfg:      cfg,
		registry: registry,
		batcher:  NewBatcher(cfg.BatchSize),
		recorder: recorder,
		monitor:  monitor,
		writer:   writer,
		metrics:  metrics,
		tracer:   otel.Tracer("finsight.assistant.stream"),
		state:    StateStarting,
	}
}

// State returns the driver's current lifecycle phase.
func (d *Driver) State() State {
	return d.state
}

// =============================================================================
// Methods
// =============================================================================

// Run drives the turn to a terminal state and returns it.
//
// # Description
//
// Emits the connected frame, then consumes the source until it is
// exhausted, errors, stalls past the cap, or a stop signal matches the
// turn. Whatever the exit path, the recorder is flushed and secure
// buffers are wiped before returning. Run never returns while the source
// is still live.
//
// # Inputs
//
//   - ctx: The request context. Cancellation (client disconnect) takes
//     the cancellation path; the terminal flush uses a detached context
//     so persistence survives it.
//   - source: The executor's event stream.
//
// # Outputs
//
//   - State: The terminal state (COMPLETING, CANCELLING, or ERRORING as
//     reached before CLOSED).
func (d *Driver) Run(ctx context.Context, source EventSource) State {
	if source == nil {
		panic("Driver.Run: source must not be nil")
	}

	ctx, span := d.tracer.Start(ctx, "stream.drive",
		trace.WithAttributes(
			attribute.String("session.id", d.turn.SessionID),
			attribute.String("message.id", d.turn.MessageID),
		),
	)
	defer span.End()
	defer d.recorder.Destroy()

	d.started = time.Now()

	d.emitAndRecord(datatypes.ClientEvent{Kind: datatypes.KindConnected})
	d.state = StateStreaming

	d.streamLoop(ctx, source)

	terminal := d.state
	span.SetAttributes(attribute.String("turn.terminal_state", string(terminal)))

	d.finish(ctx)
	d.state = StateClosed

	return terminal
}

// streamLoop runs the STREAMING phase until a terminal transition.
func (d *Driver) streamLoop(ctx context.Context, source EventSource) {
	timer := time.NewTimer(d.cfg.KeepAliveInterval)
	defer timer.Stop()

	for d.state == StateStreaming {
		if d.monitor.ShouldCancel(ctx, d.turn) {
			d.state = StateCancelling
			return
		}

		select {
		case ev, ok := <-source.Events():
			if !ok {
				d.onSourceEnd(source)
				return
			}
			d.stall = 0
			d.handleRaw(ev)
			if d.clientGone {
				d.state = StateCancelling
				return
			}

		case <-timer.C:
			if d.monitor.ShouldCancel(ctx, d.turn) {
				d.state = StateCancelling
				return
			}
			if d.onStallTick() {
				return
			}

		case <-ctx.Done():
			slog.Info("Client disconnected mid-turn",
				"session_id", d.turn.SessionID,
				"message_id", d.turn.MessageID,
			)
			d.metrics.RecordClientDisconnect(observability.EndpointQueryStream)
			d.clientGone = true
			d.state = StateCancelling
			return
		}

		resetTimer(timer, d.cfg.KeepAliveInterval)
	}
}

// onSourceEnd handles stream exhaustion: clean end or executor failure.
func (d *Driver) onSourceEnd(source EventSource) {
	if err := source.Err(); err != nil {
		slog.Error("Agent executor failed",
			"session_id", d.turn.SessionID,
			"message_id", d.turn.MessageID,
			"error", err,
		)
		d.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeExecutor)
		d.state = StateErroring
		return
	}
	d.state = StateCompleting
}

// onStallTick emits a keep-alive or, past the cap, transitions to
// ERRORING. Returns true when the loop must exit.
func (d *Driver) onStallTick() bool {
	d.stall++
	if d.stall > d.cfg.MaxStallIntervals {
		slog.Error("Turn stalled past the cap",
			"session_id", d.turn.SessionID,
			"message_id", d.turn.MessageID,
			"intervals", d.stall,
		)
		d.metrics.RecordStallTimeout()
		d.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeTimeout)
		d.state = StateErroring
		return true
	}

	d.emitAndRecord(datatypes.ClientEvent{
		Kind: datatypes.KindKeepAlive,
		Data: map[string]any{"alive-counter": d.stall},
	})
	d.metrics.RecordKeepAlive(observability.EndpointQueryStream)
	return false
}

// handleRaw routes one raw event through classification and batching.
// A classification failure is logged and counted but never aborts the
// turn.
func (d *Driver) handleRaw(ev datatypes.RawEvent) {
	res := d.registry.Classify(ev)
	if res.Failed() {
		slog.Warn("Raw event failed classification",
			"session_id", d.turn.SessionID,
			"message_id", d.turn.MessageID,
			"producer", ev.Producer,
			"reason", res.Reason,
		)
		d.metrics.RecordClassifierFailure(ev.Producer)
		return
	}

	if res.Usage != nil {
		d.cost.Accumulate(d.cfg.Pricing, res.Usage)
		d.metrics.RecordTokens(res.Usage.InputTokens, res.Usage.OutputTokens, res.Usage.Model)
		d.metrics.RecordCost(res.Usage.Model, d.cfg.Pricing.Cost(res.Usage))
	}

	if len(res.Sources) > 0 {
		d.recorder.CollectSources(res.Sources)
	}

	for _, event := range res.Events {
		if event.Kind == datatypes.KindRelatedQueries {
			// Held back and emitted once at completion.
			d.related = append(d.related, event.Queries...)
			continue
		}
		for _, out := range d.batcher.Offer(event) {
			d.emitAndRecord(out)
		}
	}
}

// emitAndRecord writes one event to the wire and mirrors it into the
// recorder. A write failure marks the client gone; the event is still
// recorded so the persisted transcript is never behind the wire.
func (d *Driver) emitAndRecord(ev datatypes.ClientEvent) {
	if !d.clientGone {
		if err := d.writer.WriteEvent(ev); err != nil {
			slog.Warn("Wire write failed, treating client as disconnected",
				"session_id", d.turn.SessionID,
				"message_id", d.turn.MessageID,
				"error", err,
			)
			d.metrics.RecordClientDisconnect(observability.EndpointQueryStream)
			d.clientGone = true
		}
	}

	d.batches++
	d.metrics.RecordBatchEmitted(string(ev.Kind))
	d.recorder.Record(ev)
}

// =============================================================================
// Terminal Transitions
// =============================================================================

// finish runs the terminal path for the state reached by the stream loop.
// The flush uses a context detached from the request so persistence
// survives client disconnects.
func (d *Driver) finish(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	elapsed := time.Since(d.started)

	switch d.state {
	case StateCompleting:
		d.finishCompleted(flushCtx, elapsed)

	case StateCancelling:
		d.finishCancelled(flushCtx, elapsed)

	case StateErroring:
		d.finishErrored(flushCtx, elapsed)
	}
}

// finishCompleted emits the closing frame sequence and flushes.
//
// Order on the wire: pending chunk aggregate, response-time, sources,
// related queries, metadata, complete.
func (d *Driver) finishCompleted(ctx context.Context, elapsed time.Duration) {
	for _, out := range d.batcher.Flush() {
		d.emitAndRecord(out)
	}

	d.emitAndRecord(datatypes.ClientEvent{
		Kind:    datatypes.KindResponseTime,
		Content: FormatTurnDuration(elapsed),
	})

	if sources := d.recorder.Sources(); len(sources) > 0 {
		d.emitAndRecord(datatypes.ClientEvent{
			Kind:       datatypes.KindSources,
			SourceList: sources,
		})
	}

	if len(d.related) > 0 {
		d.emitAndRecord(datatypes.ClientEvent{
			Kind:    datatypes.KindRelatedQueries,
			Queries: dedupStrings(d.related),
		})
	}

	d.emitAndRecord(datatypes.ClientEvent{
		Kind: datatypes.KindMetadata,
		Data: map[string]any{
			"input_tokens":  d.cost.InputTokens,
			"output_tokens": d.cost.OutputTokens,
			"total_tokens":  d.cost.TotalTokens,
			"cost_usd":      d.cost.CostUSD,
		},
	})

	d.emitAndRecord(datatypes.ClientEvent{
		Kind: datatypes.KindComplete,
		Data: map[string]any{
			"notification": true,
			"suggestions":  true,
			"retry":        false,
			"is_elaborate": d.batches <= d.cfg.ElaborateThreshold,
		},
	})

	d.flush(ctx, FlushCompleted, elapsed)
	d.metrics.RecordRequest(observability.EndpointQueryStream, true)
	d.metrics.RecordStreamDuration(observability.EndpointQueryStream, elapsed.Seconds(), true)
}

// finishCancelled drains buffered fragments straight into the recorder
// and flushes. No further frames go to the client; it asked us to stop.
func (d *Driver) finishCancelled(ctx context.Context, elapsed time.Duration) {
	for _, out := range d.batcher.Flush() {
		d.recorder.Record(out)
	}

	d.flush(ctx, FlushCancelled, elapsed)
	d.metrics.RecordCancellation()
	d.metrics.RecordStreamDuration(observability.EndpointQueryStream, elapsed.Seconds(), false)
}

// finishErrored persists buffered fragments, emits exactly one error
// frame with a user-safe message, and flushes.
func (d *Driver) finishErrored(ctx context.Context, elapsed time.Duration) {
	for _, out := range d.batcher.Flush() {
		d.recorder.Record(out)
	}

	msg := genericErrorMessage
	if d.stall > d.cfg.MaxStallIntervals {
		msg = timeoutErrorMessage
	}
	d.emitAndRecord(datatypes.ClientEvent{
		Kind:    datatypes.KindError,
		Content: msg,
	})

	d.flush(ctx, FlushErrored, elapsed)
	d.metrics.RecordRequest(observability.EndpointQueryStream, false)
	d.metrics.RecordStreamDuration(observability.EndpointQueryStream, elapsed.Seconds(), false)
}

// flush persists the transcript, logging rather than propagating failure;
// nothing escapes the driver boundary.
func (d *Driver) flush(ctx context.Context, reason FlushReason, elapsed time.Duration) {
	meta := AppendMeta{
		Cost:      d.cost,
		TimeTaken: elapsed,
		Reason:    reason,
	}

	if err := d.recorder.Flush(ctx, meta); err != nil {
		slog.Error("Transcript flush failed",
			"session_id", d.turn.SessionID,
			"message_id", d.turn.MessageID,
			"reason", reason,
			"error", err,
		)
		d.metrics.RecordError(observability.EndpointQueryStream, observability.ErrorCodeStore)
		return
	}

	d.metrics.RecordTranscriptFlush(string(reason))
}

// =============================================================================
// Helpers
// =============================================================================

// FormatTurnDuration renders a turn duration as "N sec" under a minute
// and "M min S sec" above it.
func FormatTurnDuration(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 60 {
		return fmt.Sprintf("%d sec", secs)
	}
	return fmt.Sprintf("%d min %d sec", secs/60, secs%60)
}

// resetTimer restarts a select-loop timer regardless of whether it fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// dedupStrings removes duplicates preserving first-seen order.
func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
