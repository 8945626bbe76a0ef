package engine

import (
	"context"
	"time"

	"noesis/internal/adapters/ai"
	"noesis/internal/adapters/memctx"
	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/internal/metrics"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// nodeKind enumerates the state-machine nodes. Dispatch is an exhaustive
// switch: adding a kind without handling it is a compile-visible hole, not a
// silent map miss.
type nodeKind int

const (
	nodePlan nodeKind = iota
	nodeContext
	nodeThink
	nodeValidate
	nodeError
	nodeRecover
	nodeFinalize
	nodeDone
)

func (n nodeKind) String() string {
	switch n {
	case nodePlan:
		return "planner"
	case nodeContext:
		return "context_integrator"
	case nodeThink:
		return "thinker"
	case nodeValidate:
		return "validator"
	case nodeError:
		return "error_handler"
	case nodeRecover:
		return "recovery_planner"
	case nodeFinalize:
		return "finalizer"
	case nodeDone:
		return "done"
	}
	return "unknown"
}

// directRetryLimit is the error count up to which the machine retries the
// Thinker directly instead of consulting the recovery planner
const directRetryLimit = 2

// Observer receives advisory notifications as a run progresses. The
// authoritative result is always the session state itself.
type Observer interface {
	StepCompleted(sessionID string, step reasoning.ThoughtStep, state reasoning.SessionState)
	RunCompleted(sessionID string, state *reasoning.GraphState)
}

// Options configures an Engine
type Options struct {
	MaxRetries      int           // Total error budget before giving up
	SessionTimeout  time.Duration // Wall-clock budget per session
	ContextSnippets int           // Max snippets fed to the thinker prompt
	ContextLimit    int           // Snippets requested from the provider
	ContextMinScore float64
	SaveFrequency   int // Checkpoint every Nth node transition
	Temperature     float64
}

// Engine drives the reasoning state machine for one session at a time.
// Safe for concurrent use: all mutable state lives in the GraphState owned
// by the calling task.
type Engine struct {
	client   ai.CompletionClient
	store    *checkpoint.Store // nil disables checkpointing entirely
	provider memctx.Provider   // nil disables context integration
	scorer   Scorer
	observer Observer // nil disables notifications
	opts     Options
	log      *logger.Logger
}

// New creates an engine. store, provider, and observer may be nil.
func New(client ai.CompletionClient, store *checkpoint.Store, provider memctx.Provider, observer Observer, opts Options) *Engine {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 5
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 5 * time.Minute
	}
	if opts.ContextSnippets < 1 {
		opts.ContextSnippets = 3
	}
	if opts.ContextLimit < 1 {
		opts.ContextLimit = 3
	}
	if opts.SaveFrequency < 1 {
		opts.SaveFrequency = 1
	}

	return &Engine{
		client:   client,
		store:    store,
		provider: provider,
		scorer:   NewHeuristicScorer(),
		observer: observer,
		opts:     opts,
		log:      logger.Get().With("component", "reasoning_engine"),
	}
}

// SetScorer replaces the confidence scorer
func (e *Engine) SetScorer(s Scorer) {
	e.scorer = s
}

// SetObserver attaches the advisory observer. Called once during wiring,
// before any run starts.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Run drives the state machine to a terminal state. It never returns an
// error: every failure path ends in a FAILED state with a best-effort
// answer. The context carries cooperative cancellation from the session
// manager; the session wall-clock budget is layered on top.
func (e *Engine) Run(ctx context.Context, state *reasoning.GraphState) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if _, ok := ctx.Deadline(); ok {
		// Caller already set a per-request budget
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.SessionTimeout)
	}
	defer cancel()

	log := e.log.With("session_id", state.SessionID)
	started := time.Now()

	defer func() {
		// A panic inside a node must not take down the process; convert it
		// into a FAILED session like any other unexpected error.
		if r := recover(); r != nil {
			log.Errorf("State machine panic: %v", r)
			state.LastError = &reasoning.ErrorContext{
				ErrorType:  "LogicError",
				Message:    "internal error",
				Node:       "engine",
				FailedStep: state.CurrentStep,
				RetryCount: state.ErrorCount,
				OccurredAt: time.Now(),
			}
			e.forceFinalize(state)
		}

		metrics.SessionDuration.Observe(time.Since(started).Seconds())
		metrics.SessionsFinished.WithLabelValues(string(state.State)).Inc()
		if e.observer != nil {
			e.observer.RunCompleted(state.SessionID, state)
		}
	}()

	node := nodePlan
	if state.CurrentStep > 0 {
		// Resumed from a checkpoint; skip planning, but respect the step
		// bound in case the snapshot was taken at max_steps
		node = e.thinkOrFinalize(state)
	}

	transitions := 0
	for node != nodeDone {
		// Node boundary: cooperative cancellation and session budget
		if err := runCtx.Err(); err != nil {
			log.Warnf("Session interrupted at %s boundary: %v", node, err)
			e.recordInterrupt(state, err)
			e.forceFinalize(state)
			e.saveCheckpoint(state, "finalizer")
			return
		}

		next := e.dispatch(runCtx, state, node)

		transitions++
		if transitions%e.opts.SaveFrequency == 0 || next == nodeDone {
			e.saveCheckpoint(state, node.String())
		}

		node = next
	}
}

// dispatch executes one node and returns the next via the decision functions
func (e *Engine) dispatch(ctx context.Context, state *reasoning.GraphState, node nodeKind) nodeKind {
	switch node {
	case nodePlan:
		e.runPlanner(ctx, state)
		if state.EnableContextIntegration && e.provider != nil {
			return nodeContext
		}
		return nodeThink

	case nodeContext:
		e.runContextIntegrator(ctx, state)
		return e.thinkOrFinalize(state)

	case nodeThink:
		err := e.runThinker(ctx, state)
		return e.afterThinker(state, err)

	case nodeValidate:
		err := e.runValidator(ctx, state)
		return e.afterValidator(state, err)

	case nodeError:
		e.runErrorHandler(state)
		return e.afterErrorHandler(state)

	case nodeRecover:
		e.runRecoveryPlanner(ctx, state)
		return e.afterRecoveryPlanner(ctx, state)

	case nodeFinalize:
		e.finalize(ctx, state)
		return nodeDone

	case nodeDone:
		return nodeDone
	}
	return nodeDone
}

// Decision functions

// afterThinker routes: error edge, keep thinking, validate, or finalize
func (e *Engine) afterThinker(state *reasoning.GraphState, err error) nodeKind {
	if err != nil {
		return nodeError
	}
	if state.CurrentStep < state.MaxSteps && !looksComplete(state) {
		return nodeThink
	}
	if state.EnableSelfCorrection {
		return nodeValidate
	}
	return nodeFinalize
}

// afterValidator loops back to the thinker while issues remain and steps
// are available, otherwise finalizes
func (e *Engine) afterValidator(state *reasoning.GraphState, err error) nodeKind {
	if err != nil {
		return nodeError
	}
	if state.ValidationRequired && state.CurrentStep < state.MaxSteps {
		return nodeThink
	}
	return nodeFinalize
}

// afterErrorHandler applies the retry budget: direct retries first, then
// the recovery planner, then give up
func (e *Engine) afterErrorHandler(state *reasoning.GraphState) nodeKind {
	switch {
	case state.ErrorCount <= directRetryLimit:
		return e.thinkOrFinalize(state)
	case state.ErrorCount < e.opts.MaxRetries:
		return nodeRecover
	default:
		state.GaveUp = true
		return nodeFinalize
	}
}

// thinkOrFinalize re-enters the thinker only while the step bound allows
// it; retry edges must never push current_step past max_steps
func (e *Engine) thinkOrFinalize(state *reasoning.GraphState) nodeKind {
	if state.CurrentStep >= state.MaxSteps {
		return nodeFinalize
	}
	return nodeThink
}

// saveCheckpoint persists the latest state. Best-effort: a failed write is
// logged and counted but never aborts the run, which also means crash
// recovery is not guaranteed for every step.
func (e *Engine) saveCheckpoint(state *reasoning.GraphState, lastNode string) {
	if e.store == nil || !state.EnableCheckpointing {
		return
	}

	// Detached context: the checkpoint should be written even when the
	// session context is already cancelled or expired.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.Save(saveCtx, state, lastNode); err != nil {
		e.log.Warnf("Checkpoint write failed for session %s after %s: %v", state.SessionID, lastNode, err)
	}
}

// recordInterrupt converts a context error into the session's ErrorContext
func (e *Engine) recordInterrupt(state *reasoning.GraphState, err error) {
	errType := "TimeoutError"
	message := "session wall-clock budget exceeded"
	if errors.Is(err, context.Canceled) {
		errType = "Cancelled"
		message = "session cancelled"
	}
	state.GaveUp = true
	state.LastError = &reasoning.ErrorContext{
		ErrorType:  errType,
		Message:    message,
		Node:       "engine",
		FailedStep: state.CurrentStep,
		RetryCount: state.ErrorCount,
		OccurredAt: time.Now(),
	}
}

// forceFinalize produces a terminal FAILED state without any model calls
func (e *Engine) forceFinalize(state *reasoning.GraphState) {
	state.GaveUp = true
	e.fallbackAnswer(state)
	state.State = reasoning.StateFailed
	state.UpdatedAt = time.Now()
}

// classifyError maps a client error onto the ErrorContext taxonomy
func classifyError(err error) string {
	switch {
	case errors.Is(err, errors.ErrModelNotReady), errors.Is(err, errors.ErrModel):
		return "ModelError"
	case errors.Is(err, errors.ErrValidation):
		return "ValidationError"
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, errors.ErrContext):
		return "ContextError"
	case errors.Is(err, errors.ErrResource):
		return "ResourceError"
	default:
		return "LogicError"
	}
}
