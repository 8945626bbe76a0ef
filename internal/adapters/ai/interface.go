package ai

import (
	"context"
	"time"
)

// CompletionClient is the capability the reasoning engine consumes: plain
// text completion plus "structured" completion (JSON-shaped answer with
// defensive parsing). Implementations must be safe for concurrent use.
type CompletionClient interface {
	// Complete requests a single text completion.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// CompleteStructured requests a JSON-shaped answer, parses it
	// defensively, and reports parse success or failure alongside the raw
	// text. A parse failure is not an error.
	CompleteStructured(ctx context.Context, req CompletionRequest) (*StructuredCompletion, error)

	// Health verifies the backend is reachable and the configured model
	// is available.
	Health(ctx context.Context) error
}

// CompletionRequest describes one completion call
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Model        string // Empty uses the configured default
}

// Completion is the result of a text completion
type Completion struct {
	Text     string
	Model    string
	Usage    Usage
	Duration time.Duration
}

// StructuredCompletion carries the defensively parsed JSON payload
type StructuredCompletion struct {
	Completion
	Parsed  map[string]interface{}
	ParseOK bool
}

// Usage tracks token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
