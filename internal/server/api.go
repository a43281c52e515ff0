package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/history"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Repository string `json:"repository"`
	Watched    int    `json:"watched"`
	WSClients  int    `json:"wsClients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:     "running",
		Uptime:     time.Since(s.start).Round(time.Second).String(),
		Repository: s.client.Owner() + "/" + s.client.Repo(),
		Watched:    len(s.watcher.Statuses()),
		WSClients:  s.hub.ClientCount(),
	})
}

// handlePR is GET /prs/{number}: one complete fetch-and-synthesize pass.
// An optional ?attempt= query carries the caller's polling attempt counter
// so the timeout ceiling applies to externally driven polling too.
func (s *Server) handlePR(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}

	attempt := 0
	if v := r.URL.Query().Get("attempt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid attempt counter")
			return
		}
		attempt = n
	}

	ev, err := s.fetcher.Snapshot(r.Context(), number)
	var partial *github.PartialError
	if err != nil && !errors.As(err, &partial) {
		writeFetchError(w, err)
		return
	}

	report := pipeline.BuildReport(ev, attempt, s.maxAttempts, time.Now())
	report.Overall = s.rollup(r.Context(), number, ev)
	writeJSON(w, http.StatusOK, report)
}

// handleChecks is GET /prs/{number}/checks: the flattened check list plus
// the overall rollup state.
func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}

	ev, err := s.fetcher.Snapshot(r.Context(), number)
	var partial *github.PartialError
	if err != nil && !errors.As(err, &partial) {
		writeFetchError(w, err)
		return
	}

	report := s.buildReport(ev)
	writeJSON(w, http.StatusOK, map[string]any{
		"overall": s.rollup(r.Context(), number, ev),
		"checks":  report.Checks,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.history.Recent(r.Context(), number, limit)
	if err != nil {
		slog.Error("history query failed", "pr", number, "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	entries, err := s.history.Transitions(r.Context(), number)
	if err != nil {
		slog.Error("transition query failed", "pr", number, "error", err)
		writeError(w, http.StatusInternalServerError, "transition query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.watcher.Statuses())
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}

	// Reject unknown PRs up front so a typo doesn't poll for an hour.
	if _, err := s.fetcher.Snapshot(r.Context(), number); err != nil {
		var partial *github.PartialError
		if !errors.As(err, &partial) {
			writeFetchError(w, err)
			return
		}
	}

	if err := s.watcher.Watch(s.baseCtx, number); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"number": number})
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	number, ok := prNumber(w, r)
	if !ok {
		return
	}
	if !s.watcher.Unwatch(number) {
		writeError(w, http.StatusNotFound, "PR is not being watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// prNumber parses the {number} path value, writing a 400 on bad input.
func prNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid PR number")
		return 0, false
	}
	return number, true
}

// writeFetchError maps an evidence-fetch failure to an HTTP status: caller
// mistakes get 4xx, everything unclassified gets 500.
func writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, github.ErrNotFound):
		writeError(w, http.StatusNotFound, "PR not found")
	case errors.Is(err, github.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "GitHub credentials rejected")
	case errors.Is(err, github.ErrForbidden), errors.Is(err, github.ErrRateLimited):
		writeError(w, http.StatusForbidden, "GitHub access forbidden")
	default:
		slog.Error("evidence fetch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upstream fetch failed")
	}
}

// writeError emits the error-body contract: { "error": msg } as JSON.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
