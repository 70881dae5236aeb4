// Copyright (C) 2026 Finsight AI (eng@finsight.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file defines the identities of the agent components that produce
// raw events. The classifier registry keys its per-producer mappings on
// these names.
package datatypes

const (
	// ProducerResponder is the top-level agent whose text becomes the
	// final response. Its token stream maps to response-chunk events.
	ProducerResponder = "responder"

	// ProducerPlanner decomposes a query into research steps.
	ProducerPlanner = "planner"

	// ProducerWebResearcher runs web and document searches.
	ProducerWebResearcher = "web_researcher"

	// ProducerFinanceAnalyst performs structured finance lookups
	// (quotes, price history, fundamentals).
	ProducerFinanceAnalyst = "finance_analyst"

	// ProducerSummarizer condenses prior conversation turns.
	ProducerSummarizer = "summarizer"
)
