package reasoning

import (
	"time"
)

// SessionState is the lifecycle state of a reasoning session
type SessionState string

const (
	StateInitialized SessionState = "INITIALIZED"
	StatePlanning    SessionState = "PLANNING"
	StateThinking    SessionState = "THINKING"
	StateValidating  SessionState = "VALIDATING"
	StateRecovering  SessionState = "RECOVERING"
	StateCompleted   SessionState = "COMPLETED"
	StateFailed      SessionState = "FAILED"
)

// Terminal reports whether no further transitions are possible
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepStatus is the lifecycle state of a single thought step.
// Transitions only move forward (no COMPLETED -> PENDING).
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepRetrying   StepStatus = "RETRYING"
)

// ThoughtStep is one unit of reasoning output.
// Step 0 is reserved for the planning step.
type ThoughtStep struct {
	StepNumber  int        `json:"step_number"`
	Thought     string     `json:"thought"`
	Inference   string     `json:"inference,omitempty"`
	Conclusion  string     `json:"conclusion,omitempty"`
	Confidence  float64    `json:"confidence"`
	IsRevision  bool       `json:"is_revision,omitempty"`
	RevisesStep *int       `json:"revises_step,omitempty"` // Advisory back-reference, not a hard link
	Status      StepStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ErrorContext captures the last failure inside a run. Transient: it is
// persisted only as part of the owning checkpoint payload.
type ErrorContext struct {
	ErrorType  string    `json:"error_type"` // ModelError, ValidationError, TimeoutError, LogicError, ContextError, ResourceError
	Message    string    `json:"message"`
	Node       string    `json:"node"`
	FailedStep int       `json:"failed_step"`
	RetryCount int       `json:"retry_count"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RecoveryPlan is a generated strategy for recovering from repeated errors
type RecoveryPlan struct {
	Strategy          string    `json:"strategy"`
	RollbackToStep    *int      `json:"rollback_to_step,omitempty"`
	AdjustContext     bool      `json:"adjust_context,omitempty"`
	AlternateModel    string    `json:"alternate_model,omitempty"`
	SuccessLikelihood float64   `json:"success_likelihood"`
	CreatedAt         time.Time `json:"created_at"`
}

// ContextSnippet is a ranked piece of retrieved context
type ContextSnippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// GraphState is the full mutable state of one reasoning run. Mutated
// exclusively by the owning state-machine task (single writer per session);
// this is also the checkpoint payload.
type GraphState struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Goal      string `json:"goal,omitempty"`
	Context   string `json:"context,omitempty"`
	MaxSteps  int    `json:"max_steps"`

	State       SessionState  `json:"state"`
	CurrentStep int           `json:"current_step"`
	Steps       []ThoughtStep `json:"reasoning_steps"`

	ErrorCount  int     `json:"error_count"`
	TokensUsed  int     `json:"tokens_used,omitempty"`
	Confidence  float64 `json:"confidence_score"`
	FinalAnswer string  `json:"final_answer,omitempty"`

	EnableContextIntegration bool `json:"enable_context_integration"`
	EnableSelfCorrection     bool `json:"enable_self_correction"`
	EnableCheckpointing      bool `json:"enable_checkpointing"`

	ValidationRequired bool             `json:"validation_required,omitempty"`
	GaveUp             bool             `json:"gave_up,omitempty"`
	Snippets           []ContextSnippet `json:"context_snippets,omitempty"`
	LastError          *ErrorContext    `json:"error_context,omitempty"`
	Recovery           *RecoveryPlan    `json:"recovery_plan,omitempty"`

	StartedAt time.Time         `json:"started_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"` // Last node name, save timestamp
}

// LastStep returns the most recent step, or nil for a fresh session
func (g *GraphState) LastStep() *ThoughtStep {
	if len(g.Steps) == 0 {
		return nil
	}
	return &g.Steps[len(g.Steps)-1]
}

// AppendStep appends a step and recomputes the running weighted-average
// confidence. Step numbers are assigned by the caller and must be strictly
// increasing in emission order.
func (g *GraphState) AppendStep(step ThoughtStep) {
	g.Steps = append(g.Steps, step)
	g.recomputeConfidence()
	g.UpdatedAt = time.Now()
}

// recomputeConfidence weights later steps more heavily than earlier ones
func (g *GraphState) recomputeConfidence() {
	if len(g.Steps) == 0 {
		g.Confidence = 0
		return
	}
	var sum, weights float64
	for i, s := range g.Steps {
		w := float64(i + 1)
		sum += s.Confidence * w
		weights += w
	}
	g.Confidence = sum / weights
}
