// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream implements the event pipeline between agent executors and
// SSE clients: classification, chunk batching, cancellation-aware driving,
// and partial persistence.
//
// This file implements secure accumulation of streamed response text.
// Chunks are stored in mlocked memory to prevent swapping to disk and are
// incrementally hashed so the finalized text can be integrity checked.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// AccumulatorBufferSize is the size of the mlocked buffer backing one
	// accumulator. 512 KB covers long research responses with headroom.
	AccumulatorBufferSize = 512 * 1024 // 512 KB

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether secure memory is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the probed mlock limit for logging.
	currentMlockLimitKB int64
)

// =============================================================================
// Interfaces
// =============================================================================

// ChunkAccumulator collects streamed response fragments for one logical
// response until the full text is needed for persistence.
//
// # Description
//
// ChunkAccumulator abstracts response storage during streaming, allowing
// secure and insecure implementations depending on system mlock limits.
// Fragments are hashed incrementally as they arrive.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Buffer size is fixed at AccumulatorBufferSize
//   - An accumulator cannot be reused after Finalize() or Destroy()
type ChunkAccumulator interface {
	// Write appends a response fragment. Returns an error on overflow or
	// after the accumulator has been finalized or destroyed.
	Write(fragment string) error

	// Finalize returns the accumulated text and its SHA-256 hash (hex
	// encoded), then wipes the backing memory. Can only be called once.
	Finalize() (text string, hash string, err error)

	// Destroy wipes memory without returning data. Idempotent; use on
	// error paths where the accumulated text is not needed.
	Destroy()

	// ID returns a unique identifier for this accumulator instance.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// =============================================================================
// Structs
// =============================================================================

// secureChunkAccumulator stores fragments in mlocked memory.
//
// # Description
//
// Uses a memguard LockedBuffer so accumulated response text is never swapped
// to disk, is fenced by guard pages, and is explicitly zeroed on Destroy().
// A SHA-256 hash is maintained incrementally as fragments arrive.
//
// # Thread Safety
//
// Safe for concurrent use. A mutex protects all internal state.
//
// # System Requirements
//
// Requires mlock limit >= AccumulatorBufferSize.
type secureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureChunkAccumulator is a fallback for systems without sufficient mlock.
//
// # Description
//
// Provides the same interface as secureChunkAccumulator but stores fragments
// in ordinary Go memory. Used when mlock limits are insufficient and
// FINSIGHT_INSECURE_MEMORY=true acknowledges the reduced guarantees.
//
// # Security Warning
//
// Data may be swapped to disk and is not protected by guard pages. Memory
// wiping is best effort only.
type insecureChunkAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructor Functions
// =============================================================================

// NewChunkAccumulator creates an accumulator for one logical response.
//
// # Description
//
// Allocates a mlocked buffer of AccumulatorBufferSize bytes. If the system
// mlock limit is insufficient and FINSIGHT_INSECURE_MEMORY is not set,
// returns an error. With FINSIGHT_INSECURE_MEMORY=true, falls back to an
// insecure accumulator with a warning.
//
// # Outputs
//
//   - ChunkAccumulator: Ready for use (secure or insecure based on system)
//   - error: Non-nil if allocation failed and no fallback is available
//
// # Examples
//
//	acc, err := NewChunkAccumulator()
//	if err != nil {
//	    return err
//	}
//	defer acc.Destroy()
//
//	acc.Write("Apple ")
//	acc.Write("Inc. designs consumer electronics.")
//	text, hash, _ := acc.Finalize()
func NewChunkAccumulator() (ChunkAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

// newInsecureChunkAccumulator creates the plain-memory fallback.
func newInsecureChunkAccumulator() ChunkAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE chunk accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, AccumulatorBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureChunkAccumulator Methods
// =============================================================================

// Write appends a fragment to the secure buffer.
//
// Fragments are hashed immediately as they arrive. A write that would
// overflow the buffer sets the overflow flag permanently; no partial copy
// is made.
func (a *secureChunkAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	fragBytes := []byte(fragment)

	if err := a.checkBufferCapacity(len(fragBytes)); err != nil {
		return err
	}

	copy(a.buffer.Bytes()[a.offset:], fragBytes)
	a.offset += len(fragBytes)
	a.hasher.Write(fragBytes)

	return nil
}

// Finalize returns the accumulated text and its hash, then wipes the buffer.
//
// # Outputs
//
//   - text: Complete accumulated text (copy of secure buffer contents)
//   - hash: SHA-256 hash of the text (hex encoded, 64 characters)
//   - error: Non-nil if overflow occurred or already destroyed
func (a *secureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateFinalizeState(); err != nil {
		return "", "", err
	}

	text := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized secure chunk accumulator",
		"accumulator_id", a.id,
		"text_length", len(text),
		"hash", hashStr[:16]+"...",
	)

	return text, hashStr, nil
}

// Destroy wipes the buffer without returning data. Idempotent.
func (a *secureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed secure chunk accumulator", "accumulator_id", a.id)
}

// ID returns the unique identifier for this accumulator instance.
func (a *secureChunkAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *secureChunkAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// validateWriteState checks if the accumulator can accept writes.
func (a *secureChunkAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	return nil
}

// checkBufferCapacity verifies there is room for the fragment.
func (a *secureChunkAccumulator) checkBufferCapacity(fragLen int) error {
	if a.offset+fragLen > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			fragLen, AccumulatorBufferSize-a.offset)
	}
	return nil
}

// validateFinalizeState checks if the accumulator can be finalized.
func (a *secureChunkAccumulator) validateFinalizeState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return fmt.Errorf("buffer overflowed during accumulation")
	}
	return nil
}

// wipeBuffer destroys the secure buffer and marks the accumulator dead.
func (a *secureChunkAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureChunkAccumulator Methods
// =============================================================================

// Write appends a fragment to the plain-memory buffer.
func (a *insecureChunkAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}

	fragBytes := []byte(fragment)
	if len(a.data)+len(fragBytes) > AccumulatorBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(fragBytes), AccumulatorBufferSize-len(a.data))
	}

	a.data = append(a.data, fragBytes...)
	a.hasher.Write(fragBytes)

	return nil
}

// Finalize returns the accumulated text and hash, zeroing memory best effort.
//
// Due to Go's garbage collector, copies of the data may remain in memory.
func (a *insecureChunkAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	text := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	slog.Debug("Finalized insecure chunk accumulator",
		"accumulator_id", a.id,
		"text_length", len(text),
	)

	return text, hashStr, nil
}

// Destroy zeros the data slice (best effort). Idempotent.
func (a *insecureChunkAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeData()
	slog.Debug("Destroyed insecure chunk accumulator", "accumulator_id", a.id)
}

// ID returns the unique identifier for this accumulator instance.
func (a *insecureChunkAccumulator) ID() string {
	return a.id
}

// CreatedAt returns when this accumulator was created.
func (a *insecureChunkAccumulator) CreatedAt() time.Time {
	return a.createdAt
}

// wipeData zeros the data slice and marks the accumulator dead.
func (a *insecureChunkAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization Functions
// =============================================================================

// initMemguard initializes memguard and probes mlock limits once.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit queries the kernel for the current RLIMIT_MEMLOCK and
// compares it against MinMlockLimitKB. Returns the limit in KB (-1 when
// unlimited or unknowable).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// logMlockStatus logs the probed mlock status.
func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"status", "sufficient",
		)
		return
	}

	if os.Getenv("FINSIGHT_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"env_override", "FINSIGHT_INSECURE_MEMORY=true",
		)
	} else {
		slog.Error("mlock limit insufficient for secure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
			"help", "Raise RLIMIT_MEMLOCK or set FINSIGHT_INSECURE_MEMORY=true",
		)
	}
}

// handleInsufficientMlock resolves the insufficient-mlock case.
func handleInsufficientMlock() (ChunkAccumulator, error) {
	if os.Getenv("FINSIGHT_INSECURE_MEMORY") == "true" {
		slog.Warn("Using insecure chunk accumulator due to mlock limits",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return newInsecureChunkAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB. "+
			"Raise system limits or set FINSIGHT_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// allocateSecureBuffer allocates a fresh mlocked buffer.
func allocateSecureBuffer() (ChunkAccumulator, error) {
	buf := memguard.NewBuffer(AccumulatorBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AccumulatorBufferSize)
	}
	buf.Melt()

	accID := uuid.New().String()

	slog.Debug("Created secure chunk accumulator",
		"accumulator_id", accID,
		"buffer_size", AccumulatorBufferSize,
	)

	return &secureChunkAccumulator{
		id:        accID,
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// IsMlockAvailable reports whether secure memory is available on this system
// and the probed mlock limit in KB (-1 if unlimited).
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Call during
// graceful shutdown so no response text survives in mlocked pages.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
