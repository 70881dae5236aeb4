// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file implements token cost accounting. Rates are an immutable value
// injected into the driver at construction time, never a mutable global.
package stream

import "github.com/finsightai/finsight/services/assistant/datatypes"

// ModelRate prices one model's tokens in USD per million tokens.
type ModelRate struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// PricingTable maps model identifiers to their rates.
//
// Construct once at startup and treat as read-only; the zero value prices
// everything at zero, which is correct for self-hosted models.
type PricingTable map[string]ModelRate

// DefaultPricingTable returns rates for the hosted models the executors
// are configured with. Unlisted models cost zero.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4.1":     {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	}
}

// Cost computes the USD cost of one usage record. Unknown models and nil
// usage cost zero.
func (t PricingTable) Cost(usage *datatypes.TokenUsage) float64 {
	if usage == nil {
		return 0
	}

	rate, ok := t[usage.Model]
	if !ok {
		return 0
	}

	return float64(usage.InputTokens)/1e6*rate.InputPerMTok +
		float64(usage.OutputTokens)/1e6*rate.OutputPerMTok
}

// CostSummary aggregates usage records across a turn into the metadata
// payload emitted at completion.
type CostSummary struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Accumulate folds one usage record into the summary.
func (s *CostSummary) Accumulate(t PricingTable, usage *datatypes.TokenUsage) {
	if usage == nil {
		return
	}
	s.InputTokens += usage.InputTokens
	s.OutputTokens += usage.OutputTokens
	s.TotalTokens += usage.Total()
	s.CostUSD += t.Cost(usage)
}
