// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "finsight",
		Short: "A CLI for the Finsight research assistant",
		Long: `Finsight is a command line client for the assistant service.
It streams research progress and answers over SSE and manages
stored conversation sessions.`,
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks the assistant a question and streams the answer",
		Long:  `Sends a question to the assistant service and renders the streamed research steps and response chunks as they arrive.`,
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}
	queryMode  string
	sessionID  string
	showSteps  bool
	serverAddr string

	stopCmd = &cobra.Command{
		Use:   "stop [session_id] [message_id]",
		Short: "Requests cancellation of an in-flight query",
		Long:  `Posts a stop signal for the given turn. The assistant persists whatever partial response it has already produced.`,
		Args:  cobra.ExactArgs(2),
		Run:   runStopCommand,
	}

	// Session administration commands
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
		Long:  `List, inspect, or delete conversation sessions stored by the assistant.`,
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		Run:   runListSessions,
	}
	historyCmd = &cobra.Command{
		Use:   "history [session_id]",
		Short: "Show the stored transcript for a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionHistory,
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a specific conversation session and its history",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteSession,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "",
		"Assistant service URL (defaults to $FINSIGHT_URL or http://localhost:12310)")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&queryMode, "mode", "m", "fast",
		"Query mode to use (fast, deep, summarize)")
	askCmd.Flags().StringVarP(&sessionID, "session", "s", "",
		"Continue an existing session instead of starting a new one")
	askCmd.Flags().BoolVar(&showSteps, "steps", true,
		"Show intermediate research steps while streaming")

	rootCmd.AddCommand(stopCmd)

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(historyCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
}

// serverURL resolves the assistant base URL from flag, env, or default.
func serverURL() string {
	if serverAddr != "" {
		return strings.TrimRight(serverAddr, "/")
	}
	if env := os.Getenv("FINSIGHT_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://localhost:12310"
}

func runStopCommand(cmd *cobra.Command, args []string) {
	body, _ := json.Marshal(map[string]string{
		"session_id": args[0],
		"message_id": args[1],
	})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(serverURL()+"/v1/query/stop",
		"application/json", strings.NewReader(string(body)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting the assistant: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Stop request failed (%s): %s\n", resp.Status, payload)
		os.Exit(1)
	}
	fmt.Println("Stop requested. Partial results will be saved.")
}

func runListSessions(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(serverURL() + "/v1/sessions")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting the assistant: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "List failed (%s): %s\n", resp.Status, payload)
		os.Exit(1)
	}

	var sessions []struct {
		SessionID  string    `json:"session_id"`
		Turns      int       `json:"turns"`
		FirstQuery string    `json:"first_query"`
		LastActive time.Time `json:"last_active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
		os.Exit(1)
	}

	if len(sessions) == 0 {
		fmt.Println("No stored sessions.")
		return
	}
	for _, s := range sessions {
		first := s.FirstQuery
		if len(first) > 60 {
			first = first[:57] + "..."
		}
		fmt.Printf("%s  turns=%-3d  last=%s  %q\n",
			s.SessionID, s.Turns, s.LastActive.Format(time.RFC3339), first)
	}
}

func runSessionHistory(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(serverURL() + "/v1/sessions/" + args[0] + "/history")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting the assistant: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "History lookup failed (%s): %s\n", resp.Status, payload)
		os.Exit(1)
	}

	var history struct {
		SessionID string `json:"session_id"`
		Turns     []struct {
			MessageID string `json:"message_id"`
			Entries   []struct {
				Type    string `json:"type"`
				Title   string `json:"title,omitempty"`
				Content string `json:"content,omitempty"`
			} `json:"entries"`
		} `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
		os.Exit(1)
	}

	for _, turn := range history.Turns {
		for _, entry := range turn.Entries {
			switch entry.Type {
			case "human_input":
				fmt.Printf("\n> %s\n", entry.Content)
			case "response":
				fmt.Printf("%s\n", entry.Content)
			case "research_step":
				if showSteps && entry.Title != "" {
					fmt.Printf("  [%s]\n", entry.Title)
				}
			}
		}
	}
}

func runDeleteSession(cmd *cobra.Command, args []string) {
	req, err := http.NewRequest(http.MethodDelete,
		serverURL()+"/v1/sessions/"+args[0], nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building request: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error contacting the assistant: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Delete failed (%s): %s\n", resp.Status, payload)
		os.Exit(1)
	}

	var result struct {
		SessionID    string `json:"session_id"`
		DeletedTurns int64  `json:"deleted_turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted session %s (%d turns).\n", result.SessionID, result.DeletedTurns)
}
