// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"time"
)

// StockQuote is a point-in-time quote for one symbol.
type StockQuote struct {
	Symbol        string  `json:"symbol" bson:"symbol"`
	Price         float64 `json:"price" bson:"price"`
	Change        float64 `json:"change" bson:"change"`
	ChangePercent float64 `json:"change_percent" bson:"change_percent"`
	Currency      string  `json:"currency,omitempty" bson:"currency,omitempty"`
	MarketCap     float64 `json:"market_cap,omitempty" bson:"market_cap,omitempty"`
	Err           string  `json:"error,omitempty" bson:"-"`
}

// OHLCHistory holds price history as parallel series, oldest first.
type OHLCHistory struct {
	Time   []time.Time `json:"time" bson:"time"`
	Open   []float64   `json:"open_history" bson:"open_history"`
	High   []float64   `json:"high_history" bson:"high_history"`
	Low    []float64   `json:"low_history" bson:"low_history"`
	Close  []float64   `json:"close_history" bson:"close_history"`
	Volume []float64   `json:"volume_history" bson:"volume_history"`
	Err    string      `json:"error,omitempty" bson:"-"`
}

// StockSnapshot is the structured financial payload emitted as a stock chart.
//
// # Description
//
// A snapshot pairs a quote with its price history, exactly as returned by a
// finance tool. Snapshots are deduplicated before persistence by
// (symbol, as-of timestamp); two tool results describing the same symbol at
// the same instant store once.
//
// # Fields
//
//   - Symbol: Ticker symbol, upper case.
//   - AsOf: Unix milliseconds the quote was taken.
//   - Quote: Point-in-time quote.
//   - History: OHLC price history backing the chart.
type StockSnapshot struct {
	Symbol  string      `json:"symbol" bson:"symbol"`
	AsOf    int64       `json:"as_of" bson:"as_of"`
	Quote   StockQuote  `json:"quote" bson:"quote"`
	History OHLCHistory `json:"history" bson:"history"`
}

// DedupKey returns the persistence deduplication key for this snapshot.
func (s StockSnapshot) DedupKey() string {
	return fmt.Sprintf("%s|%d", s.Symbol, s.AsOf)
}

// HasError reports whether either sub-part carries an embedded error marker.
// Snapshots with errors are described in research steps but never charted.
func (s StockSnapshot) HasError() bool {
	return s.Quote.Err != "" || s.History.Err != ""
}
