package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/history"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// stubFetcher serves canned evidence per PR number, or a canned error.
// Safe for concurrent use by watch loops.
type stubFetcher struct {
	evidence map[int]*pipeline.Evidence
	err      error
	calls    atomic.Int32
}

func (f *stubFetcher) Snapshot(ctx context.Context, number int) (*pipeline.Evidence, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	ev, ok := f.evidence[number]
	if !ok {
		return nil, fmt.Errorf("fetching PR %d: %w", number, github.ErrNotFound)
	}
	return ev, nil
}

func openEvidence(number int) *pipeline.Evidence {
	return &pipeline.Evidence{
		PR: pipeline.PullRequestInfo{
			Number:     number,
			Title:      "Add product pages",
			State:      "open",
			HeadBranch: "app/generated",
			HeadSHA:    "abc123",
			URL:        fmt.Sprintf("https://github.com/acme/site/pull/%d", number),
		},
	}
}

func mergedEvidence(number int) *pipeline.Evidence {
	ev := openEvidence(number)
	ev.PR.State = "closed"
	ev.PR.Merged = true
	return ev
}

func newTestServer(t *testing.T, fetcher Snapshotter) *Server {
	t.Helper()
	s := &Server{
		client:      github.NewClient("acme", "site", "test-token"),
		fetcher:     fetcher,
		hub:         NewHub(),
		maxAttempts: 360,
		start:       time.Now(),
		rollup: func(ctx context.Context, number int, ev *pipeline.Evidence) string {
			return github.ChecksSuccess
		},
		baseCtx: t.Context(),
	}
	s.watcher = NewWatcher(fetcher, time.Hour, 360)
	t.Cleanup(s.watcher.StopAll)
	return s
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t, &stubFetcher{})

	rec := doRequest(t, s, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "acme/site", resp.Repository)
	assert.Equal(t, 0, resp.Watched)
	assert.Equal(t, 0, resp.WSClients)
}

func TestHandlePR(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	s := newTestServer(t, fetcher)

	rec := doRequest(t, s, http.MethodGet, "/prs/42")
	require.Equal(t, http.StatusOK, rec.Code)

	var report pipeline.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 42, report.PR.Number)
	assert.Equal(t, pipeline.StateValidationPending, report.Decision.State)
	assert.True(t, report.Decision.ContinuePolling)
	assert.Equal(t, github.ChecksSuccess, report.Overall)
}

func TestHandlePR_AttemptCeiling(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	s := newTestServer(t, fetcher)

	rec := doRequest(t, s, http.MethodGet, "/prs/42?attempt=360")
	require.Equal(t, http.StatusOK, rec.Code)

	var report pipeline.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, pipeline.StateManualReviewTimeout, report.Decision.State)
	assert.False(t, report.Decision.ContinuePolling)

	rec = doRequest(t, s, http.MethodGet, "/prs/42?attempt=oops")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePR_PartialEvidence(t *testing.T) {
	// A degraded snapshot still yields a 200 with a synthesized decision.
	fetcher := &partialFetcher{ev: openEvidence(7)}
	s := newTestServer(t, fetcher)

	rec := doRequest(t, s, http.MethodGet, "/prs/7")
	require.Equal(t, http.StatusOK, rec.Code)

	var report pipeline.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, pipeline.StateValidationPending, report.Decision.State)
}

type partialFetcher struct {
	ev *pipeline.Evidence
}

func (f *partialFetcher) Snapshot(ctx context.Context, number int) (*pipeline.Evidence, error) {
	return f.ev, &github.PartialError{Sections: []string{"runs"}}
}

func TestHandlePR_FetchErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", github.ErrNotFound, http.StatusNotFound},
		{"bad credentials", github.ErrUnauthorized, http.StatusUnauthorized},
		{"forbidden", github.ErrForbidden, http.StatusForbidden},
		{"rate limited", github.ErrRateLimited, http.StatusForbidden},
		{"network", errors.New("dial tcp: timeout"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubFetcher{err: fmt.Errorf("fetching PR: %w", tt.err)})
			rec := doRequest(t, s, http.MethodGet, "/prs/42")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandlePR_InvalidNumber(t *testing.T) {
	s := newTestServer(t, &stubFetcher{})

	for _, path := range []string{"/prs/abc", "/prs/0", "/prs/-3"} {
		rec := doRequest(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestErrorBodiesAreJSON(t *testing.T) {
	// Every failure response carries { "error": msg }, not a plain-text body.
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	s := newTestServer(t, fetcher)

	paths := []struct {
		method string
		path   string
		code   int
	}{
		{http.MethodGet, "/prs/0", http.StatusBadRequest},
		{http.MethodGet, "/prs/42?attempt=oops", http.StatusBadRequest},
		{http.MethodGet, "/prs/99", http.StatusNotFound},
		{http.MethodGet, "/prs/42/history", http.StatusNotFound},
		{http.MethodDelete, "/watch/42", http.StatusNotFound},
	}
	for _, tt := range paths {
		rec := doRequest(t, s, tt.method, tt.path)
		require.Equal(t, tt.code, rec.Code, tt.path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), tt.path)

		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), tt.path)
		assert.NotEmpty(t, body.Error, tt.path)
	}
}

func TestHandleChecks(t *testing.T) {
	ev := openEvidence(42)
	ev.Deployment = &pipeline.DeploymentStatus{
		SuiteID:    1,
		Status:     "completed",
		Conclusion: "success",
		PreviewURL: "https://deploy-preview-42--acme-site.netlify.app",
	}
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: ev}}
	s := newTestServer(t, fetcher)

	rec := doRequest(t, s, http.MethodGet, "/prs/42/checks")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Overall string                  `json:"overall"`
		Checks  []pipeline.CheckSummary `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, github.ChecksSuccess, resp.Overall)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "Deploy Preview", resp.Checks[0].Name)
}

func TestHandleHistory(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	s := newTestServer(t, fetcher)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.history = store

	report := pipeline.BuildReport(openEvidence(42), 1, 360, time.Now())
	require.NoError(t, store.Record(t.Context(), report))

	rec := doRequest(t, s, http.MethodGet, "/prs/42/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []history.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, string(pipeline.StateValidationPending), entries[0].State)

	// Unknown PRs return an empty list, not an error.
	rec = doRequest(t, s, http.MethodGet, "/prs/99/history")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	assert.Empty(t, entries)
}

func TestHandleHistory_Disabled(t *testing.T) {
	s := newTestServer(t, &stubFetcher{})

	rec := doRequest(t, s, http.MethodGet, "/prs/42/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/prs/42/transitions")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTransitions(t *testing.T) {
	s := newTestServer(t, &stubFetcher{})

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.history = store

	base := openEvidence(42)
	pending := pipeline.BuildReport(base, 1, 360, time.Now())
	require.NoError(t, store.Record(t.Context(), pending))
	pending2 := pipeline.BuildReport(base, 2, 360, time.Now())
	require.NoError(t, store.Record(t.Context(), pending2))
	merged := pipeline.BuildReport(mergedEvidence(42), 3, 360, time.Now())
	require.NoError(t, store.Record(t.Context(), merged))

	rec := doRequest(t, s, http.MethodGet, "/prs/42/transitions")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []history.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, string(pipeline.StateValidationPending), entries[0].State)
	assert.Equal(t, string(pipeline.StateClosedMerged), entries[1].State)
}

func TestWatchLifecycle(t *testing.T) {
	fetcher := &stubFetcher{evidence: map[int]*pipeline.Evidence{42: openEvidence(42)}}
	s := newTestServer(t, fetcher)

	// Empty to start.
	rec := doRequest(t, s, http.MethodGet, "/watch")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []WatchStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	assert.Empty(t, statuses)

	// Add a watch.
	rec = doRequest(t, s, http.MethodPost, "/watch/42")
	require.Equal(t, http.StatusCreated, rec.Code)

	// Adding it again conflicts.
	rec = doRequest(t, s, http.MethodPost, "/watch/42")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/watch")
	require.Equal(t, http.StatusOK, rec.Code)
	statuses = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, 42, statuses[0].Number)

	// Remove it.
	rec = doRequest(t, s, http.MethodDelete, "/watch/42")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/watch/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAddWatch_UnknownPR(t *testing.T) {
	// The pre-flight snapshot rejects PRs that don't exist.
	s := newTestServer(t, &stubFetcher{evidence: map[int]*pipeline.Evidence{}})

	rec := doRequest(t, s, http.MethodPost, "/watch/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, s.watcher.Statuses())
}
