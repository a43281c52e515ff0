package server

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/vigil/internal/history"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// sequenceFetcher returns each snapshot in order, repeating the last one.
type sequenceFetcher struct {
	mu        sync.Mutex
	snapshots []*pipeline.Evidence
	next      int
}

func (f *sequenceFetcher) Snapshot(ctx context.Context, number int) (*pipeline.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.snapshots[f.next]
	if f.next < len(f.snapshots)-1 {
		f.next++
	}
	return ev, nil
}

// notifyRecorder collects reports delivered by the watcher's Notify sink.
type notifyRecorder struct {
	mu      sync.Mutex
	reports []pipeline.Report
}

func (n *notifyRecorder) record(ctx context.Context, report pipeline.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, report)
}

func (n *notifyRecorder) recorded() []pipeline.Report {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pipeline.Report(nil), n.reports...)
}

func waitForStop(t *testing.T, w *Watcher, number int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range w.Statuses() {
			if s.Number == number {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond, "watch loop for PR %d did not stop", number)
}

func TestWatcherStopsOnTerminalDecision(t *testing.T) {
	fetcher := &sequenceFetcher{snapshots: []*pipeline.Evidence{mergedEvidence(42)}}
	w := NewWatcher(fetcher, time.Millisecond, 360)
	defer w.StopAll()

	recorder := &notifyRecorder{}
	w.Notify = recorder.record

	require.NoError(t, w.Watch(t.Context(), 42))
	waitForStop(t, w, 42)

	reports := recorder.recorded()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateClosedMerged, reports[0].Decision.State)
	assert.Equal(t, 1, reports[0].Attempt)
}

func TestWatcherNotifiesOnceOnTransition(t *testing.T) {
	// Two pending polls then a merge: one notification, for the terminal state.
	fetcher := &sequenceFetcher{snapshots: []*pipeline.Evidence{
		openEvidence(42),
		openEvidence(42),
		mergedEvidence(42),
	}}
	w := NewWatcher(fetcher, time.Millisecond, 360)
	defer w.StopAll()

	recorder := &notifyRecorder{}
	w.Notify = recorder.record

	require.NoError(t, w.Watch(t.Context(), 42))
	waitForStop(t, w, 42)

	reports := recorder.recorded()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateClosedMerged, reports[0].Decision.State)
	assert.Equal(t, 3, reports[0].Attempt)
}

func TestWatcherStopsWhenPRDisappears(t *testing.T) {
	w := NewWatcher(&stubFetcher{}, time.Millisecond, 360)
	defer w.StopAll()

	require.NoError(t, w.Watch(t.Context(), 999))
	waitForStop(t, w, 999)
}

func TestWatcherFetchErrorCeiling(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("dial tcp: connection refused")}
	w := NewWatcher(fetcher, time.Millisecond, 3)
	defer w.StopAll()

	require.NoError(t, w.Watch(t.Context(), 42))
	waitForStop(t, w, 42)

	assert.EqualValues(t, 3, fetcher.calls.Load())
}

func TestWatcherPartialEvidenceStillDelivers(t *testing.T) {
	fetcher := &partialFetcher{ev: mergedEvidence(42)}
	w := NewWatcher(fetcher, time.Millisecond, 360)
	defer w.StopAll()

	recorder := &notifyRecorder{}
	w.Notify = recorder.record

	require.NoError(t, w.Watch(t.Context(), 42))
	waitForStop(t, w, 42)

	reports := recorder.recorded()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateClosedMerged, reports[0].Decision.State)
}

func TestWatcherDuplicateWatch(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	w := NewWatcher(fetcher, time.Hour, 360)
	defer w.StopAll()

	require.NoError(t, w.Watch(t.Context(), 42))
	err := w.Watch(t.Context(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already being watched")
}

func TestWatcherUnwatch(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	w := NewWatcher(fetcher, time.Hour, 360)
	defer w.StopAll()

	require.NoError(t, w.Watch(t.Context(), 42))
	assert.True(t, w.Unwatch(42))
	assert.False(t, w.Unwatch(42))
	assert.Empty(t, w.Statuses())
}

func TestWatcherStatusesOrdered(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{
		7:  openEvidence(7),
		3:  openEvidence(3),
		12: openEvidence(12),
	}}
	w := NewWatcher(fetcher, time.Hour, 360)
	defer w.StopAll()

	for _, n := range []int{7, 3, 12} {
		require.NoError(t, w.Watch(t.Context(), n))
	}

	statuses := w.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, 3, statuses[0].Number)
	assert.Equal(t, 7, statuses[1].Number)
	assert.Equal(t, 12, statuses[2].Number)
}

func TestWatcherRecordsHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fetcher := &sequenceFetcher{snapshots: []*pipeline.Evidence{
		openEvidence(42),
		mergedEvidence(42),
	}}
	w := NewWatcher(fetcher, time.Millisecond, 360)
	defer w.StopAll()
	w.History = store

	require.NoError(t, w.Watch(t.Context(), 42))
	waitForStop(t, w, 42)

	entries, err := store.Recent(t.Context(), 42, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(pipeline.StateClosedMerged), entries[0].State)
	assert.Equal(t, string(pipeline.StateValidationPending), entries[1].State)
}
