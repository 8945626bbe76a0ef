package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/internal/session"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// ReasonRequest is the body of POST /reason
type ReasonRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	Query          string `json:"query"`
	Goal           string `json:"goal,omitempty"`
	Context        string `json:"context,omitempty"`
	MaxSteps       int    `json:"max_steps,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Async          bool   `json:"async,omitempty"`

	// Feature toggles default to on; explicit false disables
	EnableContextIntegration *bool `json:"enable_context_integration,omitempty"`
	EnableSelfCorrection     *bool `json:"enable_self_correction,omitempty"`
	EnableCheckpointing      *bool `json:"enable_checkpointing,omitempty"`
}

// ReasonResponse is the terminal result of a synchronous run
type ReasonResponse struct {
	SessionID    string                  `json:"session_id"`
	State        reasoning.SessionState  `json:"state"`
	FinalAnswer  string                  `json:"final_answer"`
	Confidence   float64                 `json:"confidence_score"`
	Steps        []reasoning.ThoughtStep `json:"reasoning_steps"`
	StepCount    int                     `json:"step_count"`
	ErrorCount   int                     `json:"error_count"`
	TokensUsed   int                     `json:"tokens_used,omitempty"`
	GaveUp       bool                    `json:"gave_up,omitempty"`
	ErrorContext *reasoning.ErrorContext `json:"error_context,omitempty"`
	DurationMs   int64                   `json:"duration_ms"`
}

// AcceptedResponse acknowledges an async run
type AcceptedResponse struct {
	SessionID string                 `json:"session_id"`
	State     reasoning.SessionState `json:"state"`
}

// ReasoningHandler exposes the session manager over HTTP
type ReasoningHandler struct {
	manager *session.Manager
	store   *checkpoint.Store    // nil when checkpointing is disabled
	repo    reasoning.Repository // nil when the audit log is disabled
	log     *logger.Logger
}

// NewReasoningHandler creates the handler. store and repo may be nil.
func NewReasoningHandler(manager *session.Manager, store *checkpoint.Store, repo reasoning.Repository) *ReasoningHandler {
	return &ReasoningHandler{
		manager: manager,
		store:   store,
		repo:    repo,
		log:     logger.Get().With("component", "api"),
	}
}

// HandleReason starts a reasoning session. Synchronous by default: the
// response carries the terminal result. With "async": true the session id
// is returned immediately and progress is observable via the status and
// stream endpoints.
func (h *ReasoningHandler) HandleReason(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := h.manager.Start(r.Context(), session.Request{
		SessionID:          req.SessionID,
		Query:              req.Query,
		Goal:               req.Goal,
		Context:            req.Context,
		MaxSteps:           req.MaxSteps,
		TimeoutSeconds:     req.TimeoutSeconds,
		ContextIntegration: boolDefault(req.EnableContextIntegration, true),
		SelfCorrection:     boolDefault(req.EnableSelfCorrection, true),
		Checkpointing:      boolDefault(req.EnableCheckpointing, true),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Async {
		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			SessionID: run.SessionID,
			State:     reasoning.StateInitialized,
		})
		return
	}

	started := time.Now()
	state, err := run.Wait(r.Context())
	if err != nil {
		// The run keeps going in the background; the client can poll
		writeJSON(w, http.StatusAccepted, AcceptedResponse{
			SessionID: run.SessionID,
			State:     reasoning.StateThinking,
		})
		return
	}

	resp := ReasonResponse{
		SessionID:   state.SessionID,
		State:       state.State,
		FinalAnswer: state.FinalAnswer,
		Confidence:  state.Confidence,
		Steps:       state.Steps,
		StepCount:   len(state.Steps),
		ErrorCount:  state.ErrorCount,
		TokensUsed:  state.TokensUsed,
		GaveUp:      state.GaveUp,
		DurationMs:  time.Since(started).Milliseconds(),
	}
	if state.State == reasoning.StateFailed {
		resp.ErrorContext = state.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus reports a session snapshot, falling back to the checkpoint
// store for sessions that predate a restart
func (h *ReasoningHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleCancel requests cooperative cancellation. Idempotent: cancelling a
// finished or unknown session reports cancelled=false, never an error.
func (h *ReasoningHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	cancelled := h.manager.Cancel(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"cancelled":  cancelled,
	})
}

// HandleResume continues an interrupted session from its latest checkpoint
func (h *ReasoningHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		SessionID: run.SessionID,
		State:     reasoning.StateThinking,
	})
}

// HandleSessionLog returns persisted audit entries for a session
func (h *ReasoningHandler) HandleSessionLog(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusNotImplemented, "reasoning log is disabled")
		return
	}

	entries, err := h.repo.GetBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleCheckpointStats reports checkpoint store statistics
func (h *ReasoningHandler) HandleCheckpointStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "checkpointing is disabled")
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"count":       stats.Count,
		"total_bytes": stats.TotalBytes,
		"total_size":  humanize.Bytes(uint64(stats.TotalBytes)),
	}
	if !stats.Oldest.IsZero() {
		resp["oldest"] = stats.Oldest.Format(time.RFC3339)
		resp["oldest_age"] = humanize.Time(stats.Oldest)
	}
	if !stats.Newest.IsZero() {
		resp["newest"] = stats.Newest.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCheckpointCleanup triggers an expiry sweep
func (h *ReasoningHandler) HandleCheckpointCleanup(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "checkpointing is disabled")
		return
	}

	removed, err := h.store.CleanupExpired(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func boolDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors onto HTTP status codes
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrSessionBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, errors.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}
