package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"noesis/internal/adapters/config"
	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/internal/engine"
	"noesis/internal/metrics"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// Bounds for a caller-supplied per-session timeout. Zero means "use the
// engine's configured session timeout".
const (
	minTimeoutSeconds = 30
	maxTimeoutSeconds = 1800
)

// Request describes a new reasoning session. Zero values fall back to the
// configured defaults; MaxSteps outside the configured bounds is rejected.
type Request struct {
	SessionID      string // Optional; generated when empty
	Query          string
	Goal           string
	Context        string
	MaxSteps       int
	TimeoutSeconds int

	ContextIntegration bool
	SelfCorrection     bool
	Checkpointing      bool
}

// Status is a point-in-time view of a session, safe to read while the
// state machine is running.
type Status struct {
	SessionID   string                 `json:"session_id"`
	State       reasoning.SessionState `json:"state"`
	CurrentStep int                    `json:"current_step"`
	MaxSteps    int                    `json:"max_steps"`
	StepCount   int                    `json:"step_count"`
	Confidence  float64                `json:"confidence_score"`
	LastThought string                 `json:"last_thought,omitempty"`
	FinalAnswer string                 `json:"final_answer,omitempty"`
	ErrorCount  int                    `json:"error_count"`
	GaveUp      bool                   `json:"gave_up,omitempty"`
	Active      bool                   `json:"active"`
	StartedAt   time.Time              `json:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Run is a handle to an in-flight session. The engine goroutine owns the
// graph state until done is closed; outside readers use the snapshot.
type Run struct {
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}
	state  *reasoning.GraphState

	mu   sync.RWMutex
	snap Status
}

// Wait blocks until the run reaches a terminal state or ctx is done.
// On success the returned state is final and safe to read.
func (r *Run) Wait(ctx context.Context) (*reasoning.GraphState, error) {
	select {
	case <-r.done:
		return r.state, nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrTimeout, "session still running")
	}
}

// Done exposes the completion channel for select-based callers
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Status returns the current snapshot
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *Run) updateSnapshot(fn func(*Status)) {
	r.mu.Lock()
	fn(&r.snap)
	r.snap.UpdatedAt = time.Now()
	r.mu.Unlock()
}

// Manager owns the registry of active sessions. Each session is driven by
// exactly one goroutine; the manager enforces the concurrency bound and is
// the only component that hands out cancellation.
type Manager struct {
	cfg    config.EngineConfig
	engine *engine.Engine
	store  *checkpoint.Store    // nil when checkpointing is disabled
	repo   reasoning.Repository // nil when the audit log is disabled
	next   engine.Observer      // downstream observer (stream hub), may be nil
	log    *logger.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewManager wires the manager as the engine's observer and returns it
func NewManager(cfg config.EngineConfig, eng *engine.Engine, store *checkpoint.Store, repo reasoning.Repository, next engine.Observer) *Manager {
	m := &Manager{
		cfg:    cfg,
		engine: eng,
		store:  store,
		repo:   repo,
		next:   next,
		runs:   make(map[string]*Run),
		log:    logger.Get().With("component", "session_manager"),
	}
	eng.SetObserver(m)
	return m
}

// Start validates the request, registers a new session and launches its
// state-machine goroutine. Returns ErrSessionBusy when the concurrency
// bound is reached.
func (m *Manager) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Query == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "query is required")
	}

	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = m.cfg.DefaultMaxSteps
	}
	if maxSteps < 1 || maxSteps > m.cfg.MaxStepsLimit {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"max_steps must be in 1..%d", m.cfg.MaxStepsLimit)
	}

	if req.TimeoutSeconds != 0 && (req.TimeoutSeconds < minTimeoutSeconds || req.TimeoutSeconds > maxTimeoutSeconds) {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"timeout_seconds must be in %d..%d", minTimeoutSeconds, maxTimeoutSeconds)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now()
	state := &reasoning.GraphState{
		SessionID:                sessionID,
		Query:                    req.Query,
		Goal:                     req.Goal,
		Context:                  req.Context,
		MaxSteps:                 maxSteps,
		State:                    reasoning.StateInitialized,
		EnableContextIntegration: req.ContextIntegration,
		EnableSelfCorrection:     req.SelfCorrection,
		EnableCheckpointing:      req.Checkpointing,
		StartedAt:                now,
		UpdatedAt:                now,
	}

	// Step-zero checkpoint so a crash before the first transition still
	// leaves a queryable record. Written before the run goroutine starts:
	// the engine's own checkpoints must never race against this one.
	// Best-effort, like all mid-run writes.
	if m.store != nil && state.EnableCheckpointing {
		if err := m.store.Save(ctx, state, "init"); err != nil {
			m.log.Warnf("Initial checkpoint failed for session %s: %v", sessionID, err)
		}
	}

	run, err := m.launch(state, req.TimeoutSeconds)
	if err != nil {
		// Rejected sessions must not leave a queryable checkpoint behind
		if m.store != nil && state.EnableCheckpointing {
			if delErr := m.store.Delete(ctx, sessionID); delErr != nil {
				m.log.Warnf("Failed to remove checkpoint of rejected session %s: %v", sessionID, delErr)
			}
		}
		return nil, err
	}
	return run, nil
}

// Resume rehydrates a session from its latest checkpoint and continues it.
// Terminal sessions cannot be resumed.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*Run, error) {
	if m.store == nil {
		return nil, errors.Wrap(errors.ErrUnavailable, "checkpointing is disabled")
	}

	record, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "no checkpoint for session %s", sessionID)
	}
	if record.State.State.Terminal() {
		return nil, errors.Wrapf(errors.ErrInvalidInput,
			"session %s already finished in state %s", sessionID, record.State.State)
	}

	m.mu.Lock()
	_, active := m.runs[sessionID]
	m.mu.Unlock()
	if active {
		return nil, errors.Wrapf(errors.ErrAlreadyExists, "session %s is already running", sessionID)
	}

	state := record.State
	m.log.Infof("Resuming session %s from checkpoint %s (step %d)",
		sessionID, record.CheckpointID, record.StepNumber)
	return m.launch(&state, 0)
}

// launch registers the run under the concurrency bound and starts its
// goroutine. The run context is detached from the caller: session lifetime
// is not tied to the HTTP request that created it.
func (m *Manager) launch(state *reasoning.GraphState, timeoutSeconds int) (*Run, error) {
	runCtx := context.Background()
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(timeoutSeconds)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	run := &Run{
		SessionID: state.SessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     state,
		snap: Status{
			SessionID:   state.SessionID,
			State:       state.State,
			CurrentStep: state.CurrentStep,
			MaxSteps:    state.MaxSteps,
			StepCount:   len(state.Steps),
			Confidence:  state.Confidence,
			Active:      true,
			StartedAt:   state.StartedAt,
			UpdatedAt:   state.UpdatedAt,
		},
	}

	m.mu.Lock()
	if _, exists := m.runs[state.SessionID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, errors.Wrapf(errors.ErrAlreadyExists,
			"session %s is already running", state.SessionID)
	}
	if len(m.runs) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		cancel()
		metrics.SessionsRejected.Inc()
		return nil, errors.Wrapf(errors.ErrSessionBusy,
			"concurrency bound of %d sessions reached", m.cfg.MaxSessions)
	}
	m.runs[state.SessionID] = run
	m.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()

	go m.execute(runCtx, run)
	return run, nil
}

func (m *Manager) execute(ctx context.Context, run *Run) {
	defer func() {
		run.cancel()

		m.mu.Lock()
		delete(m.runs, run.SessionID)
		m.mu.Unlock()
		metrics.SessionsActive.Dec()

		close(run.done)
	}()

	m.engine.Run(ctx, run.state)
	m.audit(run.state)
}

// Cancel requests cooperative cancellation of an active session. Returns
// false when the session is not in the registry; cancelling an already
// finished or unknown session is a no-op, never an error.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	run, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.Infof("Cancellation requested for session %s", sessionID)
	run.cancel()
	return true
}

// Status reports the session's current snapshot. Active sessions are read
// from the registry; finished or pre-restart sessions fall back to the
// checkpoint store.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Status, error) {
	m.mu.Lock()
	run, ok := m.runs[sessionID]
	m.mu.Unlock()
	if ok {
		snap := run.Status()
		return &snap, nil
	}

	if m.store != nil {
		record, err := m.store.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return statusFromState(&record.State), nil
		}
	}

	return nil, errors.Wrapf(errors.ErrNotFound, "session %s not found", sessionID)
}

// Get returns the handle of an active run
func (m *Manager) Get(sessionID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[sessionID]
	return run, ok
}

// ActiveCount returns the number of sessions currently in the registry
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Shutdown cancels every active session and waits for their goroutines,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		active = append(active, run)
	}
	m.mu.Unlock()

	for _, run := range active {
		run.cancel()
	}
	for _, run := range active {
		select {
		case <-run.done:
		case <-ctx.Done():
			m.log.Warnf("Shutdown deadline reached with session %s still draining", run.SessionID)
			return
		}
	}
}

// StepCompleted implements engine.Observer: it refreshes the live snapshot
// and forwards the event downstream.
func (m *Manager) StepCompleted(sessionID string, step reasoning.ThoughtStep, state reasoning.SessionState) {
	if run, ok := m.Get(sessionID); ok {
		run.updateSnapshot(func(s *Status) {
			s.State = state
			s.StepCount++
			s.LastThought = step.Thought
			if state == reasoning.StateThinking && step.Status == reasoning.StepCompleted {
				// Only thinking steps consume the step budget
				s.CurrentStep++
			}
		})
	}
	if m.next != nil {
		m.next.StepCompleted(sessionID, step, state)
	}
}

// RunCompleted implements engine.Observer
func (m *Manager) RunCompleted(sessionID string, state *reasoning.GraphState) {
	if run, ok := m.Get(sessionID); ok {
		run.updateSnapshot(func(s *Status) {
			s.State = state.State
			s.CurrentStep = state.CurrentStep
			s.StepCount = len(state.Steps)
			s.Confidence = state.Confidence
			s.FinalAnswer = state.FinalAnswer
			s.ErrorCount = state.ErrorCount
			s.GaveUp = state.GaveUp
			s.Active = false
		})
	}
	if m.next != nil {
		m.next.RunCompleted(sessionID, state)
	}
}

// audit writes the finished session to the reasoning log. Best-effort: a
// failed write is logged and the session result is unaffected.
func (m *Manager) audit(state *reasoning.GraphState) {
	if m.repo == nil {
		return
	}

	steps, err := json.Marshal(state.Steps)
	if err != nil {
		m.log.Warnf("Failed to serialize steps for audit log of session %s: %v", state.SessionID, err)
		steps = []byte("[]")
	}

	entry := &reasoning.LogEntry{
		ID:          uuid.New(),
		SessionID:   state.SessionID,
		Query:       state.Query,
		State:       string(state.State),
		Steps:       steps,
		FinalAnswer: state.FinalAnswer,
		Confidence:  state.Confidence,
		StepCount:   len(state.Steps),
		ErrorCount:  state.ErrorCount,
		TokensUsed:  state.TokensUsed,
		DurationMs:  int(time.Since(state.StartedAt).Milliseconds()),
		CreatedAt:   time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.Create(ctx, entry); err != nil {
		m.log.Warnf("Failed to persist reasoning log for session %s: %v", state.SessionID, err)
	}
}

func statusFromState(state *reasoning.GraphState) *Status {
	s := &Status{
		SessionID:   state.SessionID,
		State:       state.State,
		CurrentStep: state.CurrentStep,
		MaxSteps:    state.MaxSteps,
		StepCount:   len(state.Steps),
		Confidence:  state.Confidence,
		FinalAnswer: state.FinalAnswer,
		ErrorCount:  state.ErrorCount,
		GaveUp:      state.GaveUp,
		StartedAt:   state.StartedAt,
		UpdatedAt:   state.UpdatedAt,
	}
	if last := state.LastStep(); last != nil {
		s.LastThought = last.Thought
	}
	return s
}
