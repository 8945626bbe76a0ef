package engine

import (
	"strings"
)

// Scorer estimates a confidence score in [0,1] for a model response. Kept
// behind an interface so the string-heuristic below can be swapped for a
// model-native confidence signal without touching the state machine.
type Scorer interface {
	Score(text string) float64
}

var hedgingPhrases = []string{
	"not sure",
	"might be",
	"may be",
	"possibly",
	"perhaps",
	"unclear",
	"uncertain",
	"could be",
	"hard to say",
}

var confidentPhrases = []string{
	"clearly",
	"definitely",
	"certainly",
	"without doubt",
	"precisely",
	"obviously",
}

var structuredDelimiters = []string{
	"step 1",
	"1.",
	"first,",
	"firstly",
}

// HeuristicScorer scores responses by length and phrase patterns
type HeuristicScorer struct{}

// NewHeuristicScorer creates the default scorer
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// Score starts at 0.5, rewards length and confident phrasing, penalizes
// hedging, and clamps to [0.1, 0.95]
func (s *HeuristicScorer) Score(text string) float64 {
	score := 0.5
	lower := strings.ToLower(text)

	if len(text) > 200 {
		score += 0.1
	}
	if len(text) > 500 {
		score += 0.1
	}

	hedges := 0
	for _, phrase := range hedgingPhrases {
		hedges += strings.Count(lower, phrase)
	}
	if hedges > 3 {
		hedges = 3
	}
	score -= 0.1 * float64(hedges)

	for _, phrase := range confidentPhrases {
		if strings.Contains(lower, phrase) {
			score += 0.05
		}
	}

	for _, delim := range structuredDelimiters {
		if strings.Contains(lower, delim) {
			score += 0.1
			break
		}
	}

	if score < 0.1 {
		score = 0.1
	}
	if score > 0.95 {
		score = 0.95
	}
	return score
}
