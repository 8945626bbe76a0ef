package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noesis/internal/domain/reasoning"
	"noesis/internal/testsupport"
	"noesis/pkg/errors"
)

func testEntry(sessionID string) *reasoning.LogEntry {
	steps, _ := json.Marshal([]reasoning.ThoughtStep{
		{
			StepNumber: 1,
			Thought:    "Breaking the question into parts",
			Status:     reasoning.StepCompleted,
			Confidence: 0.7,
			CreatedAt:  time.Now(),
		},
	})

	return &reasoning.LogEntry{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Query:       "What drives the seasons?",
		State:       string(reasoning.StateCompleted),
		Steps:       steps,
		FinalAnswer: "Axial tilt, not orbital distance.",
		Confidence:  0.85,
		StepCount:   3,
		ErrorCount:  0,
		TokensUsed:  420,
		DurationMs:  1500,
		CreatedAt:   time.Now(),
	}
}

func TestReasoningRepository_CreateAndGetByID(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	defer testDB.Close()

	repo := NewReasoningRepository(testDB.DB())
	ctx := context.Background()

	entry := testEntry(uuid.New().String())
	require.NoError(t, repo.Create(ctx, entry))

	got, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.SessionID, got.SessionID)
	assert.Equal(t, entry.Query, got.Query)
	assert.Equal(t, entry.FinalAnswer, got.FinalAnswer)
	assert.Equal(t, entry.TokensUsed, got.TokensUsed)
	assert.InDelta(t, entry.Confidence, got.Confidence, 0.001)

	var steps []reasoning.ThoughtStep
	require.NoError(t, json.Unmarshal(got.Steps, &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].StepNumber)
}

func TestReasoningRepository_GetByID_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	defer testDB.Close()

	repo := NewReasoningRepository(testDB.DB())

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestReasoningRepository_GetBySession(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	defer testDB.Close()

	repo := NewReasoningRepository(testDB.DB())
	ctx := context.Background()

	sessionID := uuid.New().String()
	first := testEntry(sessionID)
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := testEntry(sessionID)

	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	require.NoError(t, repo.Create(ctx, testEntry(uuid.New().String())))

	entries, err := repo.GetBySession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID, "entries are ordered oldest first")
	assert.Equal(t, second.ID, entries[1].ID)
}

func TestReasoningRepository_GetRecent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := testsupport.NewTestPostgres(t)
	defer testDB.Close()

	repo := NewReasoningRepository(testDB.DB())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := testEntry(uuid.New().String())
		entry.CreatedAt = time.Now().Add(time.Duration(-i) * time.Minute)
		require.NoError(t, repo.Create(ctx, entry))
	}

	entries, err := repo.GetRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	if len(entries) == 2 {
		assert.True(t, entries[0].CreatedAt.After(entries[1].CreatedAt) ||
			entries[0].CreatedAt.Equal(entries[1].CreatedAt))
	}
}
