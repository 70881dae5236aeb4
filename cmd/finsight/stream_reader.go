// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finsightai/finsight/pkg/ux"
)

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	// Event is the named event, empty for bare data frames.
	Event string
	// Data is the raw JSON payload.
	Data []byte
}

// streamTurn tracks the identifiers announced by session_info so an
// interrupt can target the right turn.
type streamTurn struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	body, _ := json.Marshal(map[string]string{
		"message":    question,
		"session_id": sessionID,
		"mode":       queryMode,
	})

	// No client timeout: deep queries legitimately stream for minutes.
	resp, err := http.Post(serverURL()+"/v1/query/stream",
		"application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting the assistant: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		fmt.Fprintf(os.Stderr, "Query failed (%s): %s\n", resp.Status, apiErr.Error)
		os.Exit(1)
	}

	var turn streamTurn

	// Ctrl-C requests cancellation server-side so the partial answer is
	// persisted, then lets the stream drain.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		<-interrupts
		fmt.Fprintln(os.Stderr, "\nStopping... partial results will be saved.")
		requestStop(turn)
	}()

	// Spinner covers the gap between the request and the first agent
	// output; research steps and chunks take over from there.
	spinner := ux.NewSpinner(os.Stderr, "Thinking")
	spinner.Start()
	defer spinner.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var frame sseFrame
	answerStarted := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(frame.Data) > 0 {
				// Keep spinning through the handshake frames; the first
				// real agent output takes the terminal over.
				if frame.Event != "session_info" &&
					!bytes.Contains(frame.Data, []byte(`"type":"connected"`)) &&
					!bytes.Contains(frame.Data, []byte(`"type":"Keep-alive"`)) {
					spinner.Stop()
				}
				renderFrame(frame, &turn, &answerStarted)
			}
			frame = sseFrame{}
		case strings.HasPrefix(line, "event: "):
			frame.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "\nStream closed unexpectedly: %v\n", err)
		os.Exit(1)
	}
	if answerStarted {
		fmt.Println()
	}
}

// renderFrame prints one SSE frame to the terminal.
func renderFrame(frame sseFrame, turn *streamTurn, answerStarted *bool) {
	if frame.Event == "session_info" {
		_ = json.Unmarshal(frame.Data, turn)
		fmt.Fprintf(os.Stderr, "session: %s\n", turn.SessionID)
		return
	}
	if frame.Event == "stock_chart" {
		var chart struct {
			StockData struct {
				Symbol string `json:"symbol"`
			} `json:"stock_data"`
		}
		_ = json.Unmarshal(frame.Data, &chart)
		fmt.Fprintf(os.Stderr, "  [chart: %s]\n", chart.StockData.Symbol)
		return
	}
	if frame.Event != "" {
		// Unknown named events are skipped so old CLIs survive new servers.
		return
	}

	var payload struct {
		Type    string          `json:"type"`
		Title   string          `json:"title"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return
	}

	switch payload.Type {
	case "response-chunk", "response":
		var text string
		_ = json.Unmarshal(payload.Content, &text)
		fmt.Print(text)
		*answerStarted = true

	case "research", "research-chunk":
		if showSteps && payload.Title != "" {
			fmt.Fprintf(os.Stderr, "  [%s]\n", payload.Title)
		}

	case "sources":
		var sources []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		}
		_ = json.Unmarshal(payload.Content, &sources)
		if len(sources) > 0 {
			fmt.Fprintln(os.Stderr, "\nSources:")
			for _, s := range sources {
				fmt.Fprintf(os.Stderr, "  - %s (%s)\n", s.Title, s.URL)
			}
		}

	case "related_queries":
		var queries []string
		_ = json.Unmarshal(payload.Content, &queries)
		if len(queries) > 0 {
			fmt.Fprintln(os.Stderr, "\nRelated:")
			for _, q := range queries {
				fmt.Fprintf(os.Stderr, "  - %s\n", q)
			}
		}

	case "response_time":
		var elapsed string
		_ = json.Unmarshal(payload.Content, &elapsed)
		fmt.Fprintf(os.Stderr, "\n(%s)\n", elapsed)

	case "error":
		var msg string
		_ = json.Unmarshal(payload.Content, &msg)
		fmt.Fprintf(os.Stderr, "\nError: %s\n", msg)
	}
}

// requestStop posts a best-effort cancellation for the current turn.
func requestStop(turn streamTurn) {
	if turn.SessionID == "" || turn.MessageID == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{
		"session_id": turn.SessionID,
		"message_id": turn.MessageID,
	})
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(serverURL()+"/v1/query/stop",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	resp.Body.Close()
}
