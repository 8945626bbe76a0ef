package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/internal/adapters/ai"
	"noesis/internal/adapters/config"
	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/internal/engine"
	"noesis/internal/session"
	"noesis/pkg/errors"
)

type stubClient struct {
	completeFn func(ctx context.Context, req ai.CompletionRequest) (*ai.Completion, error)
}

func (s *stubClient) Complete(ctx context.Context, req ai.CompletionRequest) (*ai.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCancelled, err.Error())
	}
	return s.completeFn(ctx, req)
}

func (s *stubClient) CompleteStructured(ctx context.Context, req ai.CompletionRequest) (*ai.StructuredCompletion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCancelled, err.Error())
	}
	return &ai.StructuredCompletion{
		Completion: ai.Completion{Text: "Sound.", Model: "stub", Usage: ai.Usage{TotalTokens: 5}},
		Parsed:     map[string]interface{}{"issues_found": false, "assessment": "Sound."},
		ParseOK:    true,
	}, nil
}

func (s *stubClient) Health(ctx context.Context) error { return nil }

func quickClient() *stubClient {
	return &stubClient{
		completeFn: func(ctx context.Context, req ai.CompletionRequest) (*ai.Completion, error) {
			return &ai.Completion{
				Text:  "Therefore the answer is 42.",
				Model: "stub",
				Usage: ai.Usage{TotalTokens: 10},
			}, nil
		},
	}
}

func blockingClient() *stubClient {
	return &stubClient{
		completeFn: func(ctx context.Context, req ai.CompletionRequest) (*ai.Completion, error) {
			<-ctx.Done()
			return nil, errors.Wrap(errors.ErrCancelled, ctx.Err().Error())
		},
	}
}

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
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func newTestAPI(t *testing.T, client ai.CompletionClient, maxSessions int) (*http.ServeMux, *session.Manager, *checkpoint.Store) {
	t.Helper()

	store := checkpoint.NewStore(newMemoryKV(), config.CheckpointConfig{
		KeyPrefix:     "test:checkpoint:",
		TTL:           time.Hour,
		SaveFrequency: 1,
		RollbackEvery: 5,
	})
	eng := engine.New(client, store, nil, nil, engine.Options{SessionTimeout: time.Minute})
	manager := session.NewManager(config.EngineConfig{
		DefaultMaxSteps: 5,
		MaxStepsLimit:   50,
		MaxRetries:      5,
		SessionTimeout:  time.Minute,
		MaxSessions:     maxSessions,
	}, eng, store, nil, nil)

	h := NewReasoningHandler(manager, store, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reason", h.HandleReason)
	mux.HandleFunc("GET /sessions/{id}/status", h.HandleStatus)
	mux.HandleFunc("POST /sessions/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /sessions/{id}/resume", h.HandleResume)
	mux.HandleFunc("GET /sessions/{id}/log", h.HandleSessionLog)
	mux.HandleFunc("GET /checkpoints/stats", h.HandleCheckpointStats)
	mux.HandleFunc("POST /checkpoints/cleanup", h.HandleCheckpointCleanup)
	return mux, manager, store
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleReason_Sync(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{
		Query: "What is the meaning of life?",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReasonResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, reasoning.StateCompleted, resp.State)
	assert.NotEmpty(t, resp.FinalAnswer)
	assert.Greater(t, resp.StepCount, 0)
	assert.Greater(t, resp.TokensUsed, 0)
}

func TestHandleReason_Async(t *testing.T) {
	mux, manager, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{
		Query: "async question",
		Async: true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.SessionID)

	// The run continues in the background; drain it before asserting
	run, ok := manager.Get(resp.SessionID)
	if ok {
		<-run.Done()
	}

	status := doJSON(t, mux, http.MethodGet, "/sessions/"+resp.SessionID+"/status", nil)
	require.Equal(t, http.StatusOK, status.Code)

	var snap session.Status
	require.NoError(t, json.NewDecoder(status.Body).Decode(&snap))
	assert.Equal(t, reasoning.StateCompleted, snap.State)
	assert.NotEmpty(t, snap.FinalAnswer)
}

func TestHandleReason_InvalidBody(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	req := httptest.NewRequest(http.MethodPost, "/reason", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReason_EmptyQuery(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReason_ConcurrencyLimitRejected(t *testing.T) {
	mux, manager, _ := newTestAPI(t, blockingClient(), 1)

	first := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{
		Query: "occupies the only slot",
		Async: true,
	})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{
		Query: "over the limit",
		Async: true,
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&resp))
	manager.Cancel(resp.SessionID)
	if run, ok := manager.Get(resp.SessionID); ok {
		<-run.Done()
	}
}

func TestHandleStatus_NotFound(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodGet, "/sessions/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancel_AlwaysOK(t *testing.T) {
	mux, manager, _ := newTestAPI(t, blockingClient(), 4)

	start := doJSON(t, mux, http.MethodPost, "/reason", ReasonRequest{
		Query: "to be cancelled",
		Async: true,
	})
	require.Equal(t, http.StatusAccepted, start.Code)
	var resp AcceptedResponse
	require.NoError(t, json.NewDecoder(start.Body).Decode(&resp))

	rec := doJSON(t, mux, http.MethodPost, "/sessions/"+resp.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["cancelled"])

	if run, ok := manager.Get(resp.SessionID); ok {
		<-run.Done()
	}

	// Cancelling again is a no-op, not an error
	rec = doJSON(t, mux, http.MethodPost, "/sessions/"+resp.SessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["cancelled"])
}

func TestHandleResume_NotFound(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodPost, "/sessions/ghost/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResume_Accepted(t *testing.T) {
	mux, manager, store := newTestAPI(t, quickClient(), 4)

	state := &reasoning.GraphState{
		SessionID:            "resumable",
		Query:                "continue me",
		MaxSteps:             10,
		CurrentStep:          2,
		State:                reasoning.StateThinking,
		EnableSelfCorrection: true,
		EnableCheckpointing:  true,
		Steps: []reasoning.ThoughtStep{
			{StepNumber: 1, Thought: "first thought", Status: reasoning.StepCompleted},
		},
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Save(context.Background(), state, "thinker"))

	rec := doJSON(t, mux, http.MethodPost, "/sessions/resumable/resume", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	if run, ok := manager.Get("resumable"); ok {
		<-run.Done()
	}
}

func TestHandleSessionLog_Disabled(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodGet, "/sessions/any/log", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleCheckpointStats(t *testing.T) {
	mux, _, store := newTestAPI(t, quickClient(), 4)

	require.NoError(t, store.Save(context.Background(), &reasoning.GraphState{
		SessionID: "s1",
		Query:     "q",
		MaxSteps:  5,
		State:     reasoning.StateThinking,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, "thinker"))

	rec := doJSON(t, mux, http.MethodGet, "/checkpoints/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(1), body["count"])
	assert.NotEmpty(t, body["total_size"])
	assert.NotEmpty(t, body["oldest"])
}

func TestHandleCheckpointCleanup(t *testing.T) {
	mux, _, _ := newTestAPI(t, quickClient(), 4)

	rec := doJSON(t, mux, http.MethodPost, "/checkpoints/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(0), body["removed"])
}

func TestWriteDomainError_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.Wrap(errors.ErrInvalidInput, "bad"), http.StatusBadRequest},
		{errors.Wrap(errors.ErrNotFound, "gone"), http.StatusNotFound},
		{errors.Wrap(errors.ErrAlreadyExists, "dup"), http.StatusConflict},
		{errors.Wrap(errors.ErrSessionBusy, "full"), http.StatusTooManyRequests},
		{errors.Wrap(errors.ErrUnavailable, "down"), http.StatusServiceUnavailable},
		{errors.Wrap(errors.ErrTimeout, "slow"), http.StatusGatewayTimeout},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d", tc.want), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tc.err)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestBoolDefault(t *testing.T) {
	yes, no := true, false
	assert.True(t, boolDefault(nil, true))
	assert.False(t, boolDefault(nil, false))
	assert.True(t, boolDefault(&yes, false))
	assert.False(t, boolDefault(&no, true))
}
