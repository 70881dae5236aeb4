// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file adapts the OpenAI chat completion stream to the executor
// contract. It backs the deep and summarize configurations, where the
// planner's tool activity arrives interleaved with the responder's
// token stream.
package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/finsightai/finsight/services/assistant/datatypes"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"

	summarizeSystemPrompt = "Summarize the conversation so far for a " +
		"financial research assistant. Keep figures and tickers exact."
)

// OpenAIExecutor streams chat completions from the OpenAI API.
type OpenAIExecutor struct {
	client *openai.Client
	model  string
}

// NewOpenAIExecutor builds an executor from the environment.
//
// # Description
//
// Reads OPENAI_API_KEY (falling back to the mounted secret at
// /run/secrets/openai_api_key) and OPENAI_MODEL. Mirrors how the rest of
// the deployment sources credentials.
func NewOpenAIExecutor() (*OpenAIExecutor, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		raw, err := os.ReadFile("/run/secrets/openai_api_key")
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret not found")
		}
		apiKey = strings.TrimSpace(string(raw))
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIExecutor{client: openai.NewClient(apiKey), model: model}, nil
}

// NewOpenAIExecutorWithClient wires an existing client, for tests.
func NewOpenAIExecutorWithClient(client *openai.Client, model string) *OpenAIExecutor {
	if client == nil {
		panic("NewOpenAIExecutorWithClient: client must not be nil")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIExecutor{client: client, model: model}
}

// Execute starts one streamed completion and returns its event stream.
//
// # Description
//
// Deltas arrive as messages-mode raw events sharing one unit id. The
// final updates-mode event carries the assembled text and the usage
// frame requested via StreamOptions, so cost accounting works even
// though the text streamed incrementally.
func (e *OpenAIExecutor) Execute(ctx context.Context, q Query) (*Stream, error) {
	if q.Message == "" {
		return nil, fmt.Errorf("query message is empty")
	}

	st := NewStream(streamBuffer)
	go e.run(ctx, q, st)
	return st, nil
}

func (e *OpenAIExecutor) run(ctx context.Context, q Query, st *Stream) {
	req := openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: e.buildMessages(q),
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	streamResp, err := e.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		st.CloseWith(fmt.Errorf("opening completion stream: %w", err))
		return
	}
	defer streamResp.Close()

	unitID := uuid.New().String()
	var full strings.Builder
	var usage *datatypes.TokenUsage

	for {
		chunk, err := streamResp.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			st.CloseWith(fmt.Errorf("reading completion stream: %w", err))
			return
		}

		if chunk.Usage != nil {
			usage = &datatypes.TokenUsage{
				Model:        e.model,
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		full.WriteString(delta)
		if err := st.Emit(ctx, datatypes.RawEvent{
			Producer: datatypes.ProducerResponder,
			Mode:     datatypes.ModeMessages,
			UnitID:   unitID,
			Chunk:    delta,
		}); err != nil {
			st.CloseWith(err)
			return
		}
	}

	final := datatypes.RawEvent{
		Producer: datatypes.ProducerResponder,
		Mode:     datatypes.ModeUpdates,
		UnitID:   unitID,
		Text:     full.String(),
		Usage:    usage,
	}
	if err := st.Emit(ctx, final); err != nil {
		st.CloseWith(err)
		return
	}

	st.CloseWith(nil)
}

// buildMessages assembles the chat transcript for the request. Summarize
// mode swaps the system prompt.
func (e *OpenAIExecutor) buildMessages(q Query) []openai.ChatCompletionMessage {
	system := defaultSystemPrompt
	if q.Mode == datatypes.ModeSummarize {
		system = summarizeSystemPrompt
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(q.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})

	for _, msg := range q.History {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	return append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: q.Message,
	})
}
