package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/internal/adapters/ai"
	"noesis/internal/adapters/config"
	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/pkg/errors"
)

// fakeClient scripts completion responses per system prompt so each node
// can be driven independently
type fakeClient struct {
	mu sync.Mutex

	completeFn   func(req ai.CompletionRequest) (*ai.Completion, error)
	structuredFn func(req ai.CompletionRequest) (*ai.StructuredCompletion, error)

	completeCalls   int
	structuredCalls int
}

func (f *fakeClient) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCancelled, err.Error())
	}
	f.mu.Lock()
	f.completeCalls++
	f.mu.Unlock()
	return f.completeFn(req)
}

func (f *fakeClient) CompleteStructured(ctx context.Context, req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCancelled, err.Error())
	}
	f.mu.Lock()
	f.structuredCalls++
	f.mu.Unlock()
	return f.structuredFn(req)
}

func (f *fakeClient) Health(ctx context.Context) error { return nil }

func textCompletion(text string) *ai.Completion {
	return &ai.Completion{Text: text, Model: "fake", Usage: ai.Usage{TotalTokens: 10}}
}

func validatorOK() *ai.StructuredCompletion {
	return &ai.StructuredCompletion{
		Completion: *textCompletion("The reasoning is sound."),
		Parsed:     map[string]interface{}{"issues_found": false, "assessment": "The reasoning is sound."},
		ParseOK:    true,
	}
}

// fakeProvider records the retrieval parameters of every call so tests can
// check how the integrator widens its query during recovery
type fakeProvider struct {
	mu       sync.Mutex
	calls    []providerCall
	snippets []reasoning.ContextSnippet
	err      error
}

type providerCall struct {
	limit    int
	minScore float64
}

func (f *fakeProvider) RelevantContext(ctx context.Context, query string, limit int, minScore float64) ([]reasoning.ContextSnippet, error) {
	f.mu.Lock()
	f.calls = append(f.calls, providerCall{limit: limit, minScore: minScore})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snippets, nil
}

// memoryKV is an in-memory stand-in for the redis adapter
type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (m *memoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *memoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *memoryKV) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func newTestState(query string, maxSteps int) *reasoning.GraphState {
	now := time.Now()
	return &reasoning.GraphState{
		SessionID:            "test-session",
		Query:                query,
		MaxSteps:             maxSteps,
		State:                reasoning.StateInitialized,
		EnableSelfCorrection: true,
		EnableCheckpointing:  false,
		StartedAt:            now,
		UpdatedAt:            now,
	}
}

func TestRun_HappyPathCompletes(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case plannerSystemPrompt:
				return textCompletion("Break the question into parts and answer each."), nil
			case thinkerSystemPrompt:
				return textCompletion("Therefore the answer is 42."), nil
			case finalizerSystemPrompt:
				return textCompletion("The final answer is 42."), nil
			}
			return textCompletion("unexpected"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("What is six times seven?", 10)
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.Equal(t, "The final answer is 42.", state.FinalAnswer)
	assert.False(t, state.GaveUp)
	assert.Equal(t, 0, state.ErrorCount)
	assert.Equal(t, 1, state.CurrentStep)
	assert.Greater(t, state.TokensUsed, 0)
	// Plan step, thinking step, validation step
	require.Len(t, state.Steps, 3)
}

func TestRun_StepNumbersStrictlyIncreasing(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			if req.SystemPrompt == thinkerSystemPrompt {
				return textCompletion("In summary, the proof holds."), nil
			}
			return textCompletion("Some text."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Prove it.", 10)
	eng.Run(context.Background(), state)

	require.NotEmpty(t, state.Steps)
	assert.Equal(t, 0, state.Steps[0].StepNumber)
	for i := 1; i < len(state.Steps); i++ {
		assert.Greater(t, state.Steps[i].StepNumber, state.Steps[i-1].StepNumber,
			"step numbers must be strictly increasing in emission order")
	}
}

func TestRun_StopsAtMaxSteps(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			if req.SystemPrompt == finalizerSystemPrompt {
				return textCompletion("Best effort synthesis."), nil
			}
			return textCompletion("Still working through the problem."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("An unanswerable question.", 3)
	state.EnableSelfCorrection = false
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.Equal(t, 3, state.CurrentStep)
	assert.Equal(t, "Best effort synthesis.", state.FinalAnswer)
	// Plan step plus exactly max_steps thinking steps
	assert.Len(t, state.Steps, 4)
}

func TestRun_DirectRetryOnTransientErrors(t *testing.T) {
	thinkerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case thinkerSystemPrompt:
				thinkerCalls++
				if thinkerCalls <= 2 {
					return nil, errors.Wrap(errors.ErrModel, "backend unavailable")
				}
				return textCompletion("Therefore it resolves cleanly."), nil
			case finalizerSystemPrompt:
				return textCompletion("Resolved after retries."), nil
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Flaky backend question.", 10)
	state.EnableSelfCorrection = false
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.False(t, state.GaveUp)
	assert.Equal(t, 2, state.ErrorCount)
	assert.Equal(t, "Resolved after retries.", state.FinalAnswer)

	// Both failures left FAILED steps behind
	failed := 0
	for _, step := range state.Steps {
		if step.Status == reasoning.StepFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestRun_GivesUpAfterRetryBudget(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			return nil, errors.Wrap(errors.ErrModel, "backend down")
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return nil, errors.Wrap(errors.ErrModel, "backend down")
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Doomed question.", 10)
	state.EnableSelfCorrection = false
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateFailed, state.State)
	assert.True(t, state.GaveUp)
	assert.Equal(t, 5, state.ErrorCount, "give-up only after the full retry budget")
	assert.Equal(t, "Unable to produce a complete answer for this query.", state.FinalAnswer)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "ModelError", state.LastError.ErrorType)
}

func TestRun_RecoveryGiveUpStrategy(t *testing.T) {
	thinkerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			if req.SystemPrompt == thinkerSystemPrompt {
				thinkerCalls++
				return nil, errors.Wrap(errors.ErrModel, "persistent failure")
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			// Recovery planner: no viable strategy
			return &ai.StructuredCompletion{
				Completion: *textCompletion("Nothing else to try, abandon the attempt."),
				Parsed:     map[string]interface{}{"strategy": "Nothing else to try, abandon the attempt."},
				ParseOK:    true,
			}, nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Hopeless question.", 10)
	state.EnableSelfCorrection = false
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateFailed, state.State)
	assert.True(t, state.GaveUp)
	// Two direct retries, then the recovery planner said to stop
	assert.Equal(t, 3, state.ErrorCount)
	require.NotNil(t, state.Recovery)
}

func TestRun_RecoveryRollbackRestoresCheckpoint(t *testing.T) {
	thinkerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case thinkerSystemPrompt:
				thinkerCalls++
				if thinkerCalls <= 3 {
					return nil, errors.Wrap(errors.ErrModel, "transient")
				}
				return textCompletion("Therefore the rollback worked."), nil
			case finalizerSystemPrompt:
				return textCompletion("Recovered and finished."), nil
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return &ai.StructuredCompletion{
				Completion: *textCompletion("rollback to the last good step"),
				Parsed:     map[string]interface{}{"strategy": "rollback to the last good step", "success_likelihood": 0.7},
				ParseOK:    true,
			}, nil
		},
	}

	store := checkpoint.NewStore(newMemoryKV(), config.CheckpointConfig{
		KeyPrefix: "test:checkpoint:", TTL: time.Hour, RollbackEvery: 5,
	})
	eng := New(client, store, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute, SaveFrequency: 1})
	state := newTestState("Rollback question.", 10)
	state.EnableSelfCorrection = false
	state.EnableCheckpointing = true
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.False(t, state.GaveUp)
	assert.GreaterOrEqual(t, state.ErrorCount, 3, "retry budget survives the rollback")
	require.NotNil(t, state.Recovery)
	assert.NotNil(t, state.Recovery.RollbackToStep)
	assert.Equal(t, "Recovered and finished.", state.FinalAnswer)
}

func TestRun_ValidationStepsDoNotConsumeBudget(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			if req.SystemPrompt == thinkerSystemPrompt {
				return textCompletion("Therefore this might settle it."), nil
			}
			return textCompletion("Some text."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			// Validator always finds issues, forcing revision loops
			return &ai.StructuredCompletion{
				Completion: *textCompletion("Issues found: the step is too vague."),
				Parsed:     map[string]interface{}{"issues_found": true, "assessment": "The step is too vague."},
				ParseOK:    true,
			}, nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Contested question.", 2)
	eng.Run(context.Background(), state)

	assert.True(t, state.State.Terminal())
	assert.LessOrEqual(t, state.CurrentStep, state.MaxSteps,
		"validation must not push the step counter past max_steps")
	assert.Equal(t, 2, state.CurrentStep)

	// Validation steps are present, marked as revisions, and numbered
	revisions := 0
	for _, step := range state.Steps {
		if step.IsRevision {
			revisions++
			require.NotNil(t, step.RevisesStep)
			assert.Less(t, *step.RevisesStep, step.StepNumber)
		}
	}
	assert.Equal(t, 2, revisions)
}

func TestRun_CancellationProducesTerminalState(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			time.Sleep(5 * time.Millisecond)
			return textCompletion("Still thinking."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Slow question.", 1000)
	state.EnableSelfCorrection = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx, state)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate after cancellation")
	}

	assert.Equal(t, reasoning.StateFailed, state.State)
	assert.True(t, state.GaveUp)
	assert.NotEmpty(t, state.FinalAnswer, "cancellation still produces a best-effort answer")
}

func TestRun_SessionTimeoutBound(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			time.Sleep(5 * time.Millisecond)
			return textCompletion("Still thinking."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: 50 * time.Millisecond})
	state := newTestState("Endless question.", 100000)
	state.EnableSelfCorrection = false

	start := time.Now()
	eng.Run(context.Background(), state)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, reasoning.StateFailed, state.State)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "TimeoutError", state.LastError.ErrorType)
}

func TestRun_ResumeSkipsPlanning(t *testing.T) {
	plannerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case plannerSystemPrompt:
				plannerCalls++
				return textCompletion("plan"), nil
			case thinkerSystemPrompt:
				return textCompletion("Therefore it is done."), nil
			}
			return textCompletion("Final."), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Resumed question.", 10)
	state.EnableSelfCorrection = false
	state.CurrentStep = 2
	state.Steps = []reasoning.ThoughtStep{
		{StepNumber: 0, Thought: "earlier plan", Status: reasoning.StepCompleted, Confidence: 0.5},
		{StepNumber: 1, Thought: "earlier step", Status: reasoning.StepCompleted, Confidence: 0.5},
		{StepNumber: 2, Thought: "another step", Status: reasoning.StepCompleted, Confidence: 0.5},
	}
	eng.Run(context.Background(), state)

	assert.Equal(t, 0, plannerCalls, "resumed sessions re-enter at the thinker")
	assert.Equal(t, reasoning.StateCompleted, state.State)
}

func TestRun_ResumeAtStepBoundGoesToFinalizer(t *testing.T) {
	thinkerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case thinkerSystemPrompt:
				thinkerCalls++
				return textCompletion("still thinking with no marker"), nil
			case finalizerSystemPrompt:
				return textCompletion("Best-effort final answer."), nil
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}

	eng := New(client, nil, nil, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Resumed at the limit.", 3)
	state.EnableSelfCorrection = false
	state.CurrentStep = 3
	state.Steps = []reasoning.ThoughtStep{
		{StepNumber: 0, Thought: "earlier plan", Status: reasoning.StepCompleted, Confidence: 0.5},
		{StepNumber: 1, Thought: "step one", Status: reasoning.StepCompleted, Confidence: 0.5},
		{StepNumber: 2, Thought: "step two", Status: reasoning.StepCompleted, Confidence: 0.5},
		{StepNumber: 3, Thought: "step three", Status: reasoning.StepCompleted, Confidence: 0.5},
	}
	eng.Run(context.Background(), state)

	assert.Equal(t, 0, thinkerCalls, "a snapshot taken at max_steps has no thinking left")
	assert.LessOrEqual(t, state.CurrentStep, state.MaxSteps)
	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.NotEmpty(t, state.FinalAnswer)
}

func TestRun_ProviderFailureDegradesGracefully(t *testing.T) {
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case thinkerSystemPrompt:
				return textCompletion("Therefore the answer stands without extra context."), nil
			case finalizerSystemPrompt:
				return textCompletion("Answered without retrieved context."), nil
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return validatorOK(), nil
		},
	}
	provider := &fakeProvider{err: errors.Wrap(errors.ErrContext, "retrieval backend down")}

	eng := New(client, nil, provider, nil, Options{MaxRetries: 5, SessionTimeout: time.Minute})
	state := newTestState("Needs context but the store is down.", 10)
	state.EnableContextIntegration = true
	eng.Run(context.Background(), state)

	// A broken retrieval backend must never take the session down with it
	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.False(t, state.GaveUp)
	assert.Equal(t, 0, state.ErrorCount)
	assert.Empty(t, state.Snippets)
	assert.Equal(t, "Answered without retrieved context.", state.FinalAnswer)
	require.Len(t, provider.calls, 1)
}

func TestRun_RecoveryContextStrategyWidensRetrieval(t *testing.T) {
	thinkerCalls := 0
	client := &fakeClient{
		completeFn: func(req ai.CompletionRequest) (*ai.Completion, error) {
			switch req.SystemPrompt {
			case thinkerSystemPrompt:
				thinkerCalls++
				if thinkerCalls <= 3 {
					return nil, errors.Wrap(errors.ErrModel, "not enough material")
				}
				return textCompletion("Therefore the wider context settles it."), nil
			case finalizerSystemPrompt:
				return textCompletion("Settled with more context."), nil
			}
			return textCompletion("plan"), nil
		},
		structuredFn: func(req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
			return &ai.StructuredCompletion{
				Completion: *textCompletion("fetch additional context before retrying"),
				Parsed:     map[string]interface{}{"strategy": "fetch additional context before retrying", "success_likelihood": 0.6},
				ParseOK:    true,
			}, nil
		},
	}
	provider := &fakeProvider{snippets: []reasoning.ContextSnippet{
		{Content: "relevant background", Score: 0.9, Source: "memory"},
	}}

	eng := New(client, nil, provider, nil, Options{
		MaxRetries:      5,
		SessionTimeout:  time.Minute,
		ContextLimit:    4,
		ContextMinScore: 0.4,
	})
	state := newTestState("Hard question needing more material.", 10)
	state.EnableSelfCorrection = false
	state.EnableContextIntegration = true
	eng.Run(context.Background(), state)

	assert.Equal(t, reasoning.StateCompleted, state.State)
	assert.False(t, state.GaveUp)
	assert.Equal(t, "Settled with more context.", state.FinalAnswer)
	require.NotNil(t, state.Recovery)
	assert.True(t, state.Recovery.AdjustContext)
	assert.NotEmpty(t, state.Snippets)

	// First pass uses the configured parameters; the recovery pass doubles
	// the limit and drops the score floor
	require.Len(t, provider.calls, 2)
	assert.Equal(t, providerCall{limit: 4, minScore: 0.4}, provider.calls[0])
	assert.Equal(t, providerCall{limit: 8, minScore: 0}, provider.calls[1])
}

func TestLooksComplete_MarkerWindow(t *testing.T) {
	state := newTestState("q", 10)
	state.Steps = []reasoning.ThoughtStep{
		{StepNumber: 0, Thought: "therefore early marker", Status: reasoning.StepCompleted},
		{StepNumber: 1, Thought: "middle step", Status: reasoning.StepCompleted},
		{StepNumber: 2, Thought: "last step", Status: reasoning.StepCompleted},
	}
	assert.False(t, looksComplete(state), "markers outside the last two steps do not count")

	state.Steps[2].Thought = "In summary, it holds."
	assert.True(t, looksComplete(state))
}
