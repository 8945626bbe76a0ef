package engine

import (
	"fmt"
	"strings"

	"noesis/internal/domain/reasoning"
)

const (
	plannerSystemPrompt = "You are a reasoning strategist. Produce a short, concrete strategy for answering the user's question. Three sentences at most."

	thinkerSystemPrompt = "You are a careful step-by-step reasoner. Produce the single next reasoning step. When the reasoning is sufficient to answer, state the conclusion explicitly."

	validatorSystemPrompt = "You are a strict reviewer. Assess whether the given reasoning step is logically consistent and sufficient for the question."

	recoverySystemPrompt = "You are a recovery strategist for a reasoning system that has hit repeated errors. Propose one recovery strategy."

	finalizerSystemPrompt = "Synthesize the reasoning steps into one clear, complete final answer."
)

// completionMarkers signal that reasoning looks complete when present in
// the text of either of the last two steps
var completionMarkers = []string{
	"conclusion",
	"therefore",
	"final answer",
	"in summary",
}

func buildPlannerPrompt(state *reasoning.GraphState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", state.Query)
	if state.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", state.Goal)
	}
	if state.Context != "" {
		fmt.Fprintf(&b, "Additional context: %s\n", state.Context)
	}
	b.WriteString("\nOutline a strategy for answering this question.")
	return b.String()
}

// buildThinkerPrompt includes the query, goal, up to the last 3 prior steps,
// and up to 3 context snippets
func buildThinkerPrompt(state *reasoning.GraphState, maxSnippets int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", state.Query)
	if state.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", state.Goal)
	}

	if len(state.Snippets) > 0 {
		b.WriteString("\nRelevant context:\n")
		for i, snippet := range state.Snippets {
			if i >= maxSnippets {
				break
			}
			fmt.Fprintf(&b, "- %s\n", snippet.Content)
		}
	}

	prior := state.Steps
	if len(prior) > 3 {
		prior = prior[len(prior)-3:]
	}
	if len(prior) > 0 {
		b.WriteString("\nPrevious reasoning:\n")
		for _, step := range prior {
			fmt.Fprintf(&b, "Step %d: %s\n", step.StepNumber, step.Thought)
		}
	}

	b.WriteString("\nProduce the next reasoning step.")
	return b.String()
}

func buildValidatorPrompt(state *reasoning.GraphState) string {
	last := state.LastStep()
	thought := ""
	if last != nil {
		thought = last.Thought
	}
	return fmt.Sprintf(
		"Question: %s\n\nLatest reasoning step:\n%s\n\n"+
			`Respond as JSON: {"issues_found": true|false, "assessment": "<one sentence>"}`,
		state.Query, thought)
}

func buildRecoveryPrompt(state *reasoning.GraphState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nReasoning so far:\n", state.Query)
	for _, step := range state.Steps {
		fmt.Fprintf(&b, "Step %d [%s]: %s\n", step.StepNumber, step.Status, step.Thought)
	}
	if state.LastError != nil {
		fmt.Fprintf(&b, "\nLast error (%s at %s, retry %d): %s\n",
			state.LastError.ErrorType, state.LastError.Node,
			state.LastError.RetryCount, state.LastError.Message)
	}
	b.WriteString("\nPropose a recovery strategy. Options: rollback to the last checkpoint, " +
		"retrieve more context from memory, or give up. " +
		`Respond as JSON: {"strategy": "<description>", "success_likelihood": <0..1>}`)
	return b.String()
}

func buildFinalizerPrompt(state *reasoning.GraphState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nReasoning steps:\n", state.Query)
	for _, step := range state.Steps {
		if step.Status != reasoning.StepCompleted {
			continue
		}
		text := step.Conclusion
		if text == "" {
			text = step.Thought
		}
		fmt.Fprintf(&b, "Step %d: %s\n", step.StepNumber, text)
	}
	b.WriteString("\nWrite the final answer.")
	return b.String()
}

// looksComplete reports whether either of the last two steps contains a
// completion marker
func looksComplete(state *reasoning.GraphState) bool {
	steps := state.Steps
	start := len(steps) - 2
	if start < 0 {
		start = 0
	}
	for _, step := range steps[start:] {
		text := strings.ToLower(step.Thought + " " + step.Conclusion)
		for _, marker := range completionMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}
