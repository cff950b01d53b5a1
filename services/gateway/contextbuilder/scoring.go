// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contextbuilder

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// Scoring Weights
// =============================================================================

// Scoring weights for candidate relevance: alpha*cosine + beta*recency
// + gamma*trust, where recency decays exponentially by age in days.
// Redundancy against the already-selected set is penalized during the
// MMR pick itself, weighted by (1-mu).
const (
	alphaSimilarity = 1.0
	betaRecency     = 0.2
	gammaTrust      = 0.1
)

// candidate is one retrievable item under consideration for packing.
type candidate struct {
	objectID   string
	variantID  string
	objectType string
	content    string
	tokens     int
	createdAt  time.Time

	// similarity is cosine similarity to the query in [0,1-ish].
	similarity float64

	// trust is the optional per-tag source weight in [0,1].
	trust float64

	vector []float32
}

// relevance is the static part of the combined score: everything that
// does not depend on what has already been selected.
func (c *candidate) relevance(now time.Time, recencyDecay float64) float64 {
	ageDays := now.Sub(c.createdAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-recencyDecay * ageDays)
	return alphaSimilarity*c.similarity + betaRecency*recency + gammaTrust*c.trust
}

// cosineSimilarity computes the cosine of two vectors; 0 when either is
// empty or degenerate, which scores unknown overlap as non-redundant.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// maxSimilarityTo returns the highest cosine similarity between c and
// any already-selected candidate.
func maxSimilarityTo(c *candidate, selected []*candidate) float64 {
	maxSim := 0.0
	for _, s := range selected {
		if sim := cosineSimilarity(c.vector, s.vector); sim > maxSim {
			maxSim = sim
		}
	}
	return maxSim
}

// packMMR greedily selects candidates by maximal marginal relevance.
//
// # Description
//
// Each round picks argmax_i [mu*relevance_i - (1-mu)*max_{j in selected}
// sim(i,j)] among candidates that still fit the remaining token budget,
// and stops when nothing fits or the best marginal score drops below
// zero. Low mu favors diversity over raw relevance, which is what keeps
// six near-duplicate facts from crowding out the budget.
//
// # Inputs
//
//   - candidates: scored pool, any order. Mutated (selection removes).
//   - budget: token budget for the selected contents combined.
//   - mu: MMR diversity weight in [0,1].
//   - recencyDecay: exponential decay rate per day for recency.
//
// # Outputs
//
//   - []*candidate: selected items in pick order (best first).
func packMMR(candidates []*candidate, budget int, mu, recencyDecay float64) []*candidate {
	if budget <= 0 || len(candidates) == 0 {
		return nil
	}

	now := time.Now().UTC()
	remaining := make([]*candidate, 0, len(candidates))
	relevances := make(map[*candidate]float64, len(candidates))
	for _, c := range candidates {
		if c.tokens <= 0 || c.content == "" {
			continue
		}
		remaining = append(remaining, c)
		relevances[c] = c.relevance(now, recencyDecay)
	}

	var selected []*candidate
	used := 0

	for len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, c := range remaining {
			if used+c.tokens > budget {
				continue
			}
			score := mu*relevances[c] - (1-mu)*maxSimilarityTo(c, selected)
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		// Nothing fits, or the best remaining item would only add noise.
		if bestIdx == -1 || bestScore < 0.0 {
			break
		}

		pick := remaining[bestIdx]
		selected = append(selected, pick)
		used += pick.tokens
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// =============================================================================
// Micro-quote Trigger
// =============================================================================

// quotedPhrase matches an explicit quoted span of at least three
// characters, which callers use when they want wording back.
var quotedPhrase = regexp.MustCompile(`"[^"]{3,}"|“[^”]{3,}”`)

// quoteKeywords are literal requests for exact wording.
var quoteKeywords = []string{
	"quote",
	"exact wording",
	"exact words",
	"verbatim",
	"word for word",
	"word-for-word",
}

// wantsQuotation reports whether the prompt asks for exact source
// wording, which is the only case where RAW content may enter the
// context.
func wantsQuotation(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range quoteKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return quotedPhrase.MatchString(prompt)
}
