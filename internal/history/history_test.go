package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func report(pr int, state pipeline.State, attempt int) pipeline.Report {
	return pipeline.Report{
		PR: pipeline.PullRequestInfo{Number: pr, HeadSHA: "abc123"},
		Decision: pipeline.Decision{
			State:           state,
			Summary:         "summary for " + string(state),
			NextAction:      pipeline.ActionValidation,
			ContinuePolling: !state.Terminal(),
		},
		Attempt:    attempt,
		ObservedAt: time.Date(2026, 3, 10, 12, 0, attempt, 0, time.UTC),
	}
}

func TestRecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Record(ctx, report(42, pipeline.StateValidationPending, 1)))
	require.NoError(t, store.Record(ctx, report(42, pipeline.StateValidationRunning, 2)))
	require.NoError(t, store.Record(ctx, report(7, pipeline.StateUserReviewReady, 1)))

	entries, err := store.Recent(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, string(pipeline.StateValidationRunning), entries[0].State)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, "abc123", entries[0].HeadSHA)
	assert.False(t, entries[0].ObservedAt.IsZero())
	assert.True(t, entries[0].ContinuePolling)

	entries, err = store.Recent(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].ContinuePolling)
}

func TestRecentLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Record(ctx, report(42, pipeline.StateValidationRunning, i)))
	}

	entries, err := store.Recent(ctx, 42, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, 5, entries[0].Attempt)
}

func TestTransitionsCollapse(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	sequence := []pipeline.State{
		pipeline.StateValidationPending,
		pipeline.StateValidationRunning,
		pipeline.StateValidationRunning,
		pipeline.StateValidationRunning,
		pipeline.StateDependencyFixExpected,
		pipeline.StateDependencyFixRunning,
		pipeline.StateValidationRunning,
		pipeline.StateUserReviewReady,
	}
	for i, state := range sequence {
		require.NoError(t, store.Record(ctx, report(42, state, i+1)))
	}

	transitions, err := store.Transitions(ctx, 42)
	require.NoError(t, err)
	require.Len(t, transitions, 6)
	assert.Equal(t, string(pipeline.StateValidationPending), transitions[0].State)
	assert.Equal(t, string(pipeline.StateUserReviewReady), transitions[5].State)
}

func TestRecordPrunesOldRows(t *testing.T) {
	store := openTestStore(t)
	store.keep = 3
	ctx := t.Context()

	for i := 1; i <= 10; i++ {
		require.NoError(t, store.Record(ctx, report(42, pipeline.StateValidationRunning, i)))
	}
	// Another PR's rows are capped independently.
	require.NoError(t, store.Record(ctx, report(7, pipeline.StateUserReviewReady, 1)))

	entries, err := store.Recent(ctx, 42, 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 10, entries[0].Attempt)
	assert.Equal(t, 8, entries[2].Attempt)

	entries, err = store.Recent(ctx, 7, 100)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecentEmpty(t *testing.T) {
	store := openTestStore(t)
	entries, err := store.Recent(t.Context(), 999, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
