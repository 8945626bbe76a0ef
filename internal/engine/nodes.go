package engine

import (
	"context"
	"strings"
	"time"

	"noesis/internal/adapters/ai"
	"noesis/internal/domain/reasoning"
	"noesis/internal/metrics"
)

// nextStepNumber returns a step number strictly greater than every existing
// one. Step 0 is reserved for the planning step but falls to the first
// thinker step when planning failed.
func nextStepNumber(state *reasoning.GraphState) int {
	if len(state.Steps) == 0 {
		return 0
	}
	return state.Steps[len(state.Steps)-1].StepNumber + 1
}

// recordError captures a node failure as the session's ErrorContext and
// bumps the retry counter. The router takes the error edge; nothing is
// raised to the caller.
func (e *Engine) recordError(state *reasoning.GraphState, node nodeKind, err error) {
	state.ErrorCount++
	state.LastError = &reasoning.ErrorContext{
		ErrorType:  classifyError(err),
		Message:    err.Error(),
		Node:       node.String(),
		FailedStep: state.CurrentStep,
		RetryCount: state.ErrorCount,
		OccurredAt: time.Now(),
	}
	metrics.NodeTransitions.WithLabelValues(node.String(), "error").Inc()
}

// runPlanner produces a short strategy as step 0. A planner failure never
// fails the run: it is logged and the machine continues with an empty plan.
func (e *Engine) runPlanner(ctx context.Context, state *reasoning.GraphState) {
	state.State = reasoning.StatePlanning

	completion, err := e.client.Complete(ctx, ai.CompletionRequest{
		Prompt:       buildPlannerPrompt(state),
		SystemPrompt: plannerSystemPrompt,
		Temperature:  e.opts.Temperature,
	})
	if err != nil {
		e.log.Warnf("Planner failed for session %s, continuing with empty plan: %v", state.SessionID, err)
		metrics.NodeTransitions.WithLabelValues("planner", "error").Inc()
		return
	}

	state.TokensUsed += completion.Usage.TotalTokens
	step := reasoning.ThoughtStep{
		StepNumber: nextStepNumber(state),
		Thought:    completion.Text,
		Confidence: e.scorer.Score(completion.Text),
		Status:     reasoning.StepCompleted,
		CreatedAt:  time.Now(),
	}
	state.AppendStep(step)
	e.notifyStep(state, step)
	metrics.NodeTransitions.WithLabelValues("planner", "success").Inc()
}

// runContextIntegrator fetches ranked snippets. Failures are non-fatal: an
// empty context list is used.
func (e *Engine) runContextIntegrator(ctx context.Context, state *reasoning.GraphState) {
	limit := e.opts.ContextLimit
	minScore := e.opts.ContextMinScore
	if state.Recovery != nil && state.Recovery.AdjustContext {
		// Recovery asked for more material: widen the net
		limit *= 2
		minScore = 0
	}

	snippets, err := e.provider.RelevantContext(ctx, state.Query, limit, minScore)
	if err != nil {
		e.log.Warnf("Context retrieval failed for session %s, continuing without context: %v", state.SessionID, err)
		metrics.NodeTransitions.WithLabelValues("context_integrator", "error").Inc()
		return
	}

	state.Snippets = snippets
	state.UpdatedAt = time.Now()
	metrics.NodeTransitions.WithLabelValues("context_integrator", "success").Inc()
}

// runThinker produces one reasoning step and advances current_step. A
// completion failure is recorded as ErrorContext and returned so the router
// takes the error edge.
func (e *Engine) runThinker(ctx context.Context, state *reasoning.GraphState) error {
	state.State = reasoning.StateThinking

	completion, err := e.client.Complete(ctx, ai.CompletionRequest{
		Prompt:       buildThinkerPrompt(state, e.opts.ContextSnippets),
		SystemPrompt: thinkerSystemPrompt,
		Temperature:  e.opts.Temperature,
	})
	if err != nil {
		e.recordError(state, nodeThink, err)
		return err
	}

	state.TokensUsed += completion.Usage.TotalTokens
	step := reasoning.ThoughtStep{
		StepNumber: nextStepNumber(state),
		Thought:    completion.Text,
		Confidence: e.scorer.Score(completion.Text),
		Status:     reasoning.StepCompleted,
		CreatedAt:  time.Now(),
	}
	if containsMarker(completion.Text) {
		step.Conclusion = completion.Text
	}

	state.AppendStep(step)
	state.CurrentStep++
	state.ValidationRequired = false
	e.notifyStep(state, step)
	metrics.NodeTransitions.WithLabelValues("thinker", "success").Inc()
	return nil
}

// runValidator asks the model whether the latest thought is consistent and
// sufficient, appending the assessment as a step. Issues send control back
// to the thinker (bounded by max_steps). Validation steps do not consume
// the thinking budget.
func (e *Engine) runValidator(ctx context.Context, state *reasoning.GraphState) error {
	state.State = reasoning.StateValidating

	completion, err := e.client.CompleteStructured(ctx, ai.CompletionRequest{
		Prompt:       buildValidatorPrompt(state),
		SystemPrompt: validatorSystemPrompt,
		Temperature:  0.1,
	})
	if err != nil {
		e.recordError(state, nodeValidate, err)
		return err
	}

	state.TokensUsed += completion.Usage.TotalTokens
	issues := false
	assessment := completion.Text
	if completion.ParseOK {
		if v, ok := completion.Parsed["issues_found"].(bool); ok {
			issues = v
		}
		if v, ok := completion.Parsed["assessment"].(string); ok && v != "" {
			assessment = v
		}
	} else {
		issues = strings.Contains(strings.ToLower(completion.Text), "issues found")
	}

	last := state.LastStep()
	step := reasoning.ThoughtStep{
		StepNumber: nextStepNumber(state),
		Thought:    assessment,
		Confidence: e.scorer.Score(assessment),
		Status:     reasoning.StepCompleted,
		CreatedAt:  time.Now(),
	}
	if issues && last != nil {
		step.IsRevision = true
		revised := last.StepNumber
		step.RevisesStep = &revised
	}

	state.AppendStep(step)
	state.ValidationRequired = issues
	e.notifyStep(state, step)
	metrics.NodeTransitions.WithLabelValues("validator", "success").Inc()
	return nil
}

// runErrorHandler logs the captured failure and appends a FAILED step. The
// retry-vs-abort decision belongs to afterErrorHandler.
func (e *Engine) runErrorHandler(state *reasoning.GraphState) {
	state.State = reasoning.StateRecovering

	errCtx := state.LastError
	if errCtx == nil {
		// Should not happen; treat as an internal inconsistency
		errCtx = &reasoning.ErrorContext{
			ErrorType:  "LogicError",
			Message:    "error handler entered without error context",
			Node:       "error_handler",
			FailedStep: state.CurrentStep,
			RetryCount: state.ErrorCount,
			OccurredAt: time.Now(),
		}
		state.LastError = errCtx
	}

	e.log.Warnf("Session %s error at %s (retry %d/%d): %s",
		state.SessionID, errCtx.Node, state.ErrorCount, e.opts.MaxRetries, errCtx.Message)

	step := reasoning.ThoughtStep{
		StepNumber: nextStepNumber(state),
		Thought:    "Error in " + errCtx.Node + ": " + errCtx.Message,
		Confidence: 0.1,
		Status:     reasoning.StepFailed,
		CreatedAt:  time.Now(),
	}
	state.AppendStep(step)
	e.notifyStep(state, step)
	metrics.NodeTransitions.WithLabelValues("error_handler", "success").Inc()
}

// runRecoveryPlanner asks the model for a recovery strategy given all prior
// step text and the error context
func (e *Engine) runRecoveryPlanner(ctx context.Context, state *reasoning.GraphState) {
	completion, err := e.client.CompleteStructured(ctx, ai.CompletionRequest{
		Prompt:       buildRecoveryPrompt(state),
		SystemPrompt: recoverySystemPrompt,
		Temperature:  0.3,
	})
	if err != nil {
		e.log.Warnf("Recovery planning failed for session %s: %v", state.SessionID, err)
		metrics.NodeTransitions.WithLabelValues("recovery_planner", "error").Inc()
		state.Recovery = nil
		return
	}

	state.TokensUsed += completion.Usage.TotalTokens
	plan := &reasoning.RecoveryPlan{
		Strategy:  completion.Text,
		CreatedAt: time.Now(),
	}
	if completion.ParseOK {
		if v, ok := completion.Parsed["strategy"].(string); ok && v != "" {
			plan.Strategy = v
		}
		if v, ok := completion.Parsed["success_likelihood"].(float64); ok {
			plan.SuccessLikelihood = v
		}
	}

	state.Recovery = plan
	state.UpdatedAt = time.Now()
	metrics.NodeTransitions.WithLabelValues("recovery_planner", "success").Inc()
}

// afterRecoveryPlanner inspects the generated plan text: "rollback" rolls
// back to the last checkpoint and retries from the thinker; "context" or
// "memory" re-runs the context integrator with adjusted parameters;
// anything else gives up.
func (e *Engine) afterRecoveryPlanner(ctx context.Context, state *reasoning.GraphState) nodeKind {
	if state.Recovery == nil {
		// Recovery planning itself failed; keep retrying until the error
		// budget is exhausted rather than giving up early.
		metrics.Recoveries.WithLabelValues("retry").Inc()
		return e.thinkOrFinalize(state)
	}

	strategy := strings.ToLower(state.Recovery.Strategy)

	switch {
	case strings.Contains(strategy, "rollback"):
		metrics.Recoveries.WithLabelValues("rollback").Inc()
		e.rollbackToLastCheckpoint(ctx, state)
		return e.thinkOrFinalize(state)

	case strings.Contains(strategy, "context"), strings.Contains(strategy, "memory"):
		metrics.Recoveries.WithLabelValues("context").Inc()
		state.Recovery.AdjustContext = true
		if e.provider != nil {
			return nodeContext
		}
		return e.thinkOrFinalize(state)

	default:
		metrics.Recoveries.WithLabelValues("give_up").Inc()
		state.GaveUp = true
		return nodeFinalize
	}
}

// rollbackToLastCheckpoint restores session state from the latest snapshot.
// The retry budget survives the rollback so a failing session cannot loop
// forever. When no checkpoint exists the machine simply retries from the
// current state.
func (e *Engine) rollbackToLastCheckpoint(ctx context.Context, state *reasoning.GraphState) {
	if e.store == nil || !state.EnableCheckpointing {
		return
	}

	record, err := e.store.Rollback(ctx, state.SessionID, -1)
	if err != nil {
		e.log.Warnf("Rollback unavailable for session %s, retrying in place: %v", state.SessionID, err)
		return
	}

	rollbackTo := record.StepNumber
	e.log.Infof("Session %s rolling back to step %d", state.SessionID, rollbackTo)

	errorCount := state.ErrorCount
	recovery := state.Recovery
	lastErr := state.LastError

	*state = record.State
	state.ErrorCount = errorCount
	state.Recovery = recovery
	state.LastError = lastErr
	if state.Recovery != nil {
		state.Recovery.RollbackToStep = &rollbackTo
	}
	state.UpdatedAt = time.Now()
}

// finalize always produces some answer: a synthesis call when possible,
// then the last step's conclusion, then a generic message. Finalization
// cannot itself fail the run.
func (e *Engine) finalize(ctx context.Context, state *reasoning.GraphState) {
	if state.FinalAnswer == "" && ctx.Err() == nil {
		completion, err := e.client.Complete(ctx, ai.CompletionRequest{
			Prompt:       buildFinalizerPrompt(state),
			SystemPrompt: finalizerSystemPrompt,
			Temperature:  e.opts.Temperature,
		})
		if err != nil {
			e.log.Warnf("Finalizer completion failed for session %s, using fallback: %v", state.SessionID, err)
		} else {
			state.TokensUsed += completion.Usage.TotalTokens
			state.FinalAnswer = completion.Text
		}
	}

	e.fallbackAnswer(state)

	if state.GaveUp {
		state.State = reasoning.StateFailed
	} else {
		state.State = reasoning.StateCompleted
	}
	state.UpdatedAt = time.Now()
	metrics.NodeTransitions.WithLabelValues("finalizer", "success").Inc()
}

// fallbackAnswer fills FinalAnswer from the last completed step, or a
// generic message when nothing is available
func (e *Engine) fallbackAnswer(state *reasoning.GraphState) {
	if state.FinalAnswer != "" {
		return
	}

	for i := len(state.Steps) - 1; i >= 0; i-- {
		step := state.Steps[i]
		if step.Status != reasoning.StepCompleted {
			continue
		}
		if step.Conclusion != "" {
			state.FinalAnswer = step.Conclusion
			return
		}
		if step.Thought != "" {
			state.FinalAnswer = step.Thought
			return
		}
	}

	state.FinalAnswer = "Unable to produce a complete answer for this query."
}

func (e *Engine) notifyStep(state *reasoning.GraphState, step reasoning.ThoughtStep) {
	if e.observer != nil {
		e.observer.StepCompleted(state.SessionID, step, state.State)
	}
}

// containsMarker reports whether text carries an explicit completion marker
func containsMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
