// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal presentation helpers for the finsight CLI.
package ux

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// frameInterval is the animation tick. Slow enough to be calm in a
// terminal, fast enough to read as live.
const frameInterval = 120 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is an animated waiting indicator written to one stream.
//
// # Thread Safety
//
// Start and Stop are safe to call from different goroutines. Stop is
// idempotent.
type Spinner struct {
	message string
	out     io.Writer
	stop    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	running bool
	stopped bool
}

// NewSpinner creates a spinner that writes to out. The CLI passes
// stderr so spinner frames never mix into piped response text.
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		message: message,
		out:     out,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the animation. Calling Start twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-s.stop:
				// Erase the spinner line before handing the terminal back.
				fmt.Fprintf(s.out, "\r%*s\r", len(s.message)+2, "")
				return
			case <-ticker.C:
				fmt.Fprintf(s.out, "\r%s %s", spinnerFrames[frame%len(spinnerFrames)], s.message)
				frame++
			}
		}
	}()
}

// Stop halts the animation and clears its line. Safe to call more than
// once and safe to call without Start.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopped {
		s.stopped = true
		return
	}
	s.running = false
	s.stopped = true

	close(s.stop)
	<-s.done
}
