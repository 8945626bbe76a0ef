package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicScorer(t *testing.T) {
	scorer := NewHeuristicScorer()

	tests := []struct {
		name string
		text string
		want float64
	}{
		{
			name: "neutral short text",
			text: "The answer depends on the input",
			want: 0.5,
		},
		{
			name: "single hedge",
			text: "It might be related to caching",
			want: 0.4,
		},
		{
			name: "hedge count capped at three",
			text: "not sure, might be, possibly, perhaps, unclear",
			want: 0.2,
		},
		{
			name: "confident phrase",
			text: "This is clearly a race condition",
			want: 0.55,
		},
		{
			name: "structured delimiter",
			text: "Step 1 is to isolate the failing component",
			want: 0.6,
		},
		{
			name: "long text bonus",
			text: strings.Repeat("word ", 45), // 225 chars
			want: 0.6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, scorer.Score(tt.text), 0.001)
		})
	}
}

func TestHeuristicScorer_Clamping(t *testing.T) {
	scorer := NewHeuristicScorer()

	// Maximum hedging on a short text cannot go below the floor
	worst := "not sure, might be, possibly, perhaps, unclear, uncertain"
	assert.GreaterOrEqual(t, scorer.Score(worst), 0.1)

	// Long, structured, confident text cannot exceed the ceiling
	best := "Step 1: clearly, definitely, certainly, without doubt, precisely. " +
		strings.Repeat("obviously correct ", 40)
	assert.LessOrEqual(t, scorer.Score(best), 0.95)
}

func TestHeuristicScorer_Range(t *testing.T) {
	scorer := NewHeuristicScorer()
	samples := []string{
		"",
		"yes",
		"not sure not sure not sure not sure",
		strings.Repeat("definitely precise and clearly structured. ", 30),
	}
	for _, text := range samples {
		score := scorer.Score(text)
		assert.GreaterOrEqual(t, score, 0.1)
		assert.LessOrEqual(t, score, 0.95)
	}
}
