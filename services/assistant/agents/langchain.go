// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file adapts a langchaingo model to the executor contract. It
// serves the fast single-agent configuration: one streamed completion,
// no tool orchestration.
package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

const defaultSystemPrompt = "You are a financial research assistant. " +
	"Answer concisely and cite concrete figures where you have them."

// streamBuffer sizes the executor-to-driver channel. Small; the driver
// consumes continuously and backpressure is the point.
const streamBuffer = 64

// LangChainExecutor runs one streamed completion per query.
type LangChainExecutor struct {
	model        llms.Model
	modelName    string
	systemPrompt string
}

// NewLangChainExecutor wraps a langchaingo model. The model name feeds
// cost accounting. Panics if model is nil.
func NewLangChainExecutor(model llms.Model, modelName string) *LangChainExecutor {
	if model == nil {
		panic("NewLangChainExecutor: model must not be nil")
	}
	return &LangChainExecutor{
		model:        model,
		modelName:    modelName,
		systemPrompt: defaultSystemPrompt,
	}
}

// Execute starts one completion and returns its event stream.
//
// # Description
//
// Tokens arrive as messages-mode raw events sharing one unit id; the
// completed text follows as a single updates-mode event carrying token
// usage, which supersedes the chunks in the persisted transcript.
func (e *LangChainExecutor) Execute(ctx context.Context, q Query) (*Stream, error) {
	if q.Message == "" {
		return nil, fmt.Errorf("query message is empty")
	}

	st := NewStream(streamBuffer)
	go e.run(ctx, q, st)
	return st, nil
}

func (e *LangChainExecutor) run(ctx context.Context, q Query, st *Stream) {
	unitID := uuid.New().String()
	content := e.buildMessages(q)

	resp, err := e.model.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return st.Emit(ctx, datatypes.RawEvent{
				Producer: datatypes.ProducerResponder,
				Mode:     datatypes.ModeMessages,
				UnitID:   unitID,
				Chunk:    string(chunk),
			})
		}),
	)
	if err != nil {
		st.CloseWith(fmt.Errorf("langchain completion: %w", err))
		return
	}
	if len(resp.Choices) == 0 {
		st.CloseWith(fmt.Errorf("langchain completion returned no choices"))
		return
	}

	choice := resp.Choices[0]
	final := datatypes.RawEvent{
		Producer: datatypes.ProducerResponder,
		Mode:     datatypes.ModeUpdates,
		UnitID:   unitID,
		Text:     choice.Content,
		Usage:    usageFromGenerationInfo(choice.GenerationInfo, e.modelName),
	}
	if err := st.Emit(ctx, final); err != nil {
		st.CloseWith(err)
		return
	}

	st.CloseWith(nil)
}

// buildMessages assembles system prompt, history, and the current query.
func (e *LangChainExecutor) buildMessages(q Query) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(q.History)+2)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, e.systemPrompt))

	for _, msg := range q.History {
		role := llms.ChatMessageTypeHuman
		if msg.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}

	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, q.Message))
	return content
}

// usageFromGenerationInfo extracts token counters from langchaingo's
// provider-specific generation info. Missing counters yield nil usage.
func usageFromGenerationInfo(info map[string]any, model string) *datatypes.TokenUsage {
	if len(info) == 0 {
		return nil
	}

	input := intFromAny(info["PromptTokens"])
	output := intFromAny(info["CompletionTokens"])
	if input == 0 && output == 0 {
		return nil
	}

	return &datatypes.TokenUsage{
		Model:        model,
		InputTokens:  input,
		OutputTokens: output,
	}
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	slog.Debug("Unrecognized token counter type", "value", v)
	return 0
}
