// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

// =============================================================================
// Test Fake
// =============================================================================

// fakeModel scripts one completion: streamed chunks, then a final choice.
type fakeModel struct {
	chunks   []string
	content  string
	info     map[string]any
	err      error
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent,
	options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	if m.err != nil {
		return nil, m.err
	}

	for _, c := range m.chunks {
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        m.content,
		GenerationInfo: m.info,
	}}}, nil
}

func (m *fakeModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return m.content, m.err
}

// =============================================================================
// Tests
// =============================================================================

func TestLangChainExecutor_StreamsChunksThenFinal(t *testing.T) {
	model := &fakeModel{
		chunks:  []string{"Apple ", "rose ", "today."},
		content: "Apple rose today.",
		info:    map[string]any{"PromptTokens": 100, "CompletionTokens": 20},
	}
	exec := NewLangChainExecutor(model, "gpt-4o-mini")

	st, err := exec.Execute(context.Background(), Query{
		Turn:    datatypes.Turn{SessionID: "s", MessageID: "m"},
		Message: "What moved AAPL today?",
	})
	require.NoError(t, err)

	events := collect(t, st)
	require.NoError(t, st.Err())
	require.Len(t, events, 4)

	for i, chunk := range []string{"Apple ", "rose ", "today."} {
		assert.Equal(t, datatypes.ModeMessages, events[i].Mode)
		assert.Equal(t, datatypes.ProducerResponder, events[i].Producer)
		assert.Equal(t, chunk, events[i].Chunk)
	}

	final := events[3]
	assert.Equal(t, datatypes.ModeUpdates, final.Mode)
	assert.Equal(t, "Apple rose today.", final.Text)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 100, final.Usage.InputTokens)
	assert.Equal(t, 20, final.Usage.OutputTokens)
	assert.Equal(t, "gpt-4o-mini", final.Usage.Model)

	// Chunks and final share one unit id so the recorder groups them.
	assert.NotEmpty(t, final.UnitID)
	for _, ev := range events {
		assert.Equal(t, final.UnitID, ev.UnitID)
	}
}

func TestLangChainExecutor_BuildsConversation(t *testing.T) {
	model := &fakeModel{content: "More detail."}
	exec := NewLangChainExecutor(model, "gpt-4o-mini")

	st, err := exec.Execute(context.Background(), Query{
		Message: "Tell me more",
		History: []HistoryMessage{
			{Role: "user", Content: "What moved AAPL?"},
			{Role: "assistant", Content: "Earnings beat."},
		},
	})
	require.NoError(t, err)
	collect(t, st)

	// system + 2 history + current query
	require.Len(t, model.messages, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[3].Role)
}

func TestLangChainExecutor_BackendFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("connection refused")}
	exec := NewLangChainExecutor(model, "gpt-4o-mini")

	st, err := exec.Execute(context.Background(), Query{Message: "hi"})
	require.NoError(t, err, "Execute returns a live stream; failures surface on it")

	assert.Empty(t, collect(t, st))
	assert.Error(t, st.Err())
}

func TestLangChainExecutor_EmptyMessage(t *testing.T) {
	exec := NewLangChainExecutor(&fakeModel{}, "gpt-4o-mini")

	_, err := exec.Execute(context.Background(), Query{})
	assert.Error(t, err)
}

func TestNewLangChainExecutor_NilModelPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewLangChainExecutor(nil, "gpt-4o-mini")
	})
}

// TestUsageFromGenerationInfo covers the provider-specific counter
// shapes langchaingo passes through.
func TestUsageFromGenerationInfo(t *testing.T) {
	tests := []struct {
		name string
		info map[string]any
		want *datatypes.TokenUsage
	}{
		{"nil info", nil, nil},
		{"empty info", map[string]any{}, nil},
		{"zero counters", map[string]any{"PromptTokens": 0, "CompletionTokens": 0}, nil},
		{
			"int counters",
			map[string]any{"PromptTokens": 10, "CompletionTokens": 5},
			&datatypes.TokenUsage{Model: "m", InputTokens: 10, OutputTokens: 5},
		},
		{
			"float counters",
			map[string]any{"PromptTokens": float64(10), "CompletionTokens": float64(5)},
			&datatypes.TokenUsage{Model: "m", InputTokens: 10, OutputTokens: 5},
		},
		{
			"unrecognized type degrades to zero",
			map[string]any{"PromptTokens": "10", "CompletionTokens": 5},
			&datatypes.TokenUsage{Model: "m", InputTokens: 0, OutputTokens: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usageFromGenerationInfo(tt.info, "m"))
		})
	}
}
