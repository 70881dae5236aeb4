// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agents

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

func TestOpenAIExecutor_BuildMessages(t *testing.T) {
	exec := NewOpenAIExecutorWithClient(openai.NewClient("test-key"), "gpt-4o")

	msgs := exec.buildMessages(Query{
		Message: "Tell me more",
		Mode:    datatypes.ModeDeep,
		History: []HistoryMessage{
			{Role: "user", Content: "What moved AAPL?"},
			{Role: "assistant", Content: "Earnings beat."},
		},
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, "What moved AAPL?", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[3].Role)
	assert.Equal(t, "Tell me more", msgs[3].Content)
}

// TestOpenAIExecutor_SummarizeSwapsSystemPrompt verifies mode selection
// changes only the system message.
func TestOpenAIExecutor_SummarizeSwapsSystemPrompt(t *testing.T) {
	exec := NewOpenAIExecutorWithClient(openai.NewClient("test-key"), "gpt-4o")

	deep := exec.buildMessages(Query{Message: "q", Mode: datatypes.ModeDeep})
	summarize := exec.buildMessages(Query{Message: "q", Mode: datatypes.ModeSummarize})

	assert.Equal(t, defaultSystemPrompt, deep[0].Content)
	assert.Equal(t, summarizeSystemPrompt, summarize[0].Content)
	assert.NotEqual(t, deep[0].Content, summarize[0].Content)
}

func TestOpenAIExecutor_EmptyMessage(t *testing.T) {
	exec := NewOpenAIExecutorWithClient(openai.NewClient("test-key"), "gpt-4o")

	_, err := exec.Execute(context.Background(), Query{})
	assert.Error(t, err)
}

func TestNewOpenAIExecutorWithClient_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewOpenAIExecutorWithClient(nil, "gpt-4o")
	})
}
