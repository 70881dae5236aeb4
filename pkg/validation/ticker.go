// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for values that cross a
// trust boundary.
//
// Agent tool results arrive from model-generated tool arguments, so a
// symbol embedded in one is user-influenced input. Validating symbols
// before they reach chart payloads or store keys keeps malformed or
// adversarial strings out of the wire protocol and the database.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// symbolPattern matches valid stock ticker symbols.
// Allows: uppercase letters, digits, dots (BRK.A), hyphens (BF-B)
// Max length: 10 characters (covers most exchanges)
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// ValidateSymbol checks a stock ticker symbol.
//
// Valid symbols:
//   - 1-10 characters
//   - Uppercase letters A-Z
//   - Digits 0-9
//   - Dots (.) for class shares like BRK.A
//   - Hyphens (-) for class shares like BF-B
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}

	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("invalid symbol format: %q (must be 1-10 uppercase alphanumeric chars, dots, or hyphens)", symbol)
	}

	return nil
}

// ValidateSymbols checks multiple symbols, reporting every invalid one.
func ValidateSymbols(symbols []string) error {
	var invalid []string
	for _, s := range symbols {
		if err := ValidateSymbol(s); err != nil {
			invalid = append(invalid, s)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid symbols: %v", invalid)
	}
	return nil
}

// SanitizeSymbol normalizes and validates a symbol. Returns the
// uppercase symbol if valid.
func SanitizeSymbol(symbol string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if err := ValidateSymbol(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
