// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request types for the streaming query endpoints.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxQueryBytes is the maximum size of a user query. Byte length (not
	// rune count) is checked to bound memory for pathological payloads.
	MaxQueryBytes = 32 * 1024 // 32KB
)

// QueryMode selects which agent configuration serves a query.
type QueryMode string

const (
	// ModeFast routes to the single-agent responder.
	ModeFast QueryMode = "fast"

	// ModeDeep routes to the multi-agent planner/researcher configuration.
	ModeDeep QueryMode = "deep"

	// ModeSummarize routes to the conversation summarizer.
	ModeSummarize QueryMode = "summarize"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// queryValidate is the validator instance for query datatypes.
var queryValidate *validator.Validate

func init() {
	queryValidate = validator.New()
	_ = queryValidate.RegisterValidation("maxquerybytes", validateMaxQueryBytes)
}

// validateMaxQueryBytes enforces MaxQueryBytes on a string field.
func validateMaxQueryBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQueryBytes
}

// =============================================================================
// Request Types
// =============================================================================

// QueryRequest is the body of POST /v1/query/stream.
//
// # Fields
//
//   - Message: Required. The user's query, at most 32KB.
//   - SessionID: Optional. Existing session to continue; a new session id is
//     minted when absent.
//   - Mode: Optional. Agent configuration ("fast", "deep", "summarize").
//     Defaults to "fast".
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, max 32768 bytes
//   - SessionID: UUID v4 when present
//   - Mode: one of fast, deep, summarize when present
type QueryRequest struct {
	Message   string    `json:"message" validate:"required,maxquerybytes"`
	SessionID string    `json:"session_id,omitempty" validate:"omitempty,uuid4"`
	Mode      QueryMode `json:"mode,omitempty" validate:"omitempty,oneof=fast deep summarize"`
}

// Validate checks the request against its validation tags.
func (r *QueryRequest) Validate() error {
	if err := queryValidate.Struct(r); err != nil {
		return fmt.Errorf("query request validation: %w", err)
	}
	return nil
}

// EnsureDefaults fills optional fields with their defaults.
func (r *QueryRequest) EnsureDefaults() {
	if r.Mode == "" {
		r.Mode = ModeFast
	}
}

// StopRequest is the body of POST /v1/query/stop.
//
// Both ids are required: a stop request targets exactly one in-flight turn,
// and a stale id must never cancel a newer turn on the same session.
type StopRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid4"`
	MessageID string `json:"message_id" validate:"required,uuid4"`
}

// Validate checks the request against its validation tags.
func (r *StopRequest) Validate() error {
	if err := queryValidate.Struct(r); err != nil {
		return fmt.Errorf("stop request validation: %w", err)
	}
	return nil
}
