package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/history"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// Snapshotter fetches evidence snapshots. Satisfied by github.Fetcher;
// tests substitute a stub.
type Snapshotter interface {
	Snapshot(ctx context.Context, number int) (*pipeline.Evidence, error)
}

// Watcher runs one polling loop per watched PR, synthesizing a fresh decision
// every interval until the decision says to stop or the attempt ceiling hits.
type Watcher struct {
	fetcher     Snapshotter
	interval    time.Duration
	maxAttempts int

	// Optional sinks, set before the first Watch call.
	History *history.Store
	Hub     *Hub
	Notify  func(ctx context.Context, report pipeline.Report)

	mu  sync.Mutex
	prs map[int]*watchEntry
}

type watchEntry struct {
	number  int
	attempt int
	started time.Time
	last    *pipeline.Report
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatchStatus is the externally visible state of one watch loop.
type WatchStatus struct {
	Number  int              `json:"number"`
	Attempt int              `json:"attempt"`
	Started time.Time        `json:"started"`
	Last    *pipeline.Report `json:"last,omitempty"`
}

// NewWatcher creates a watcher with the given polling parameters.
func NewWatcher(fetcher Snapshotter, interval time.Duration, maxAttempts int) *Watcher {
	if interval <= 0 {
		interval = pipeline.DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = pipeline.DefaultMaxAttempts
	}
	return &Watcher{
		fetcher:     fetcher,
		interval:    interval,
		maxAttempts: maxAttempts,
		prs:         make(map[int]*watchEntry),
	}
}

// Watch starts a polling loop for the PR. Watching an already watched PR is
// an error; the existing loop keeps its attempt count.
func (w *Watcher) Watch(ctx context.Context, number int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.prs[number]; ok {
		return errors.New("PR is already being watched")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	entry := &watchEntry{
		number:  number,
		started: time.Now().UTC(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	w.prs[number] = entry

	go w.loop(loopCtx, entry)
	slog.Info("watching PR", "pr", number, "interval", w.interval)
	return nil
}

// Unwatch stops the PR's polling loop. Returns false when it was not watched.
func (w *Watcher) Unwatch(number int) bool {
	w.mu.Lock()
	entry, ok := w.prs[number]
	if ok {
		delete(w.prs, number)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	<-entry.done
	slog.Info("stopped watching PR", "pr", number)
	return true
}

// Statuses returns the state of every active watch loop, ordered by PR number.
func (w *Watcher) Statuses() []WatchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WatchStatus, 0, len(w.prs))
	for _, e := range w.prs {
		out = append(out, WatchStatus{
			Number:  e.number,
			Attempt: e.attempt,
			Started: e.started,
			Last:    e.last,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// StopAll cancels every watch loop and waits for them to exit.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	entries := make([]*watchEntry, 0, len(w.prs))
	for _, e := range w.prs {
		entries = append(entries, e)
	}
	w.prs = make(map[int]*watchEntry)
	w.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		<-e.done
	}
}

func (w *Watcher) loop(ctx context.Context, entry *watchEntry) {
	defer close(entry.done)
	defer func() {
		w.mu.Lock()
		delete(w.prs, entry.number)
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if done := w.poll(ctx, entry); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one attempt. Returns true when the loop should stop.
func (w *Watcher) poll(ctx context.Context, entry *watchEntry) bool {
	w.mu.Lock()
	entry.attempt++
	attempt := entry.attempt
	w.mu.Unlock()

	ev, err := w.fetcher.Snapshot(ctx, entry.number)
	if err != nil {
		var partial *github.PartialError
		switch {
		case errors.As(err, &partial):
			// Degraded snapshot, already logged; synthesize anyway.
		case errors.Is(err, github.ErrNotFound):
			slog.Error("PR disappeared, stopping watch", "pr", entry.number)
			return true
		default:
			slog.Warn("poll failed", "pr", entry.number, "attempt", attempt, "error", err)
			return attempt >= w.maxAttempts
		}
	}

	report := pipeline.BuildReport(ev, attempt, w.maxAttempts, time.Now())
	w.deliver(ctx, entry, report)
	return !report.Decision.ContinuePolling
}

func (w *Watcher) deliver(ctx context.Context, entry *watchEntry, report pipeline.Report) {
	w.mu.Lock()
	prev := entry.last
	entry.last = &report
	w.mu.Unlock()

	slog.Debug("decision synthesized",
		"pr", report.PR.Number,
		"state", report.Decision.State,
		"attempt", report.Attempt,
		"continue", report.Decision.ContinuePolling)

	if w.History != nil {
		if err := w.History.Record(ctx, report); err != nil {
			slog.Warn("failed to record decision", "pr", report.PR.Number, "error", err)
		}
	}
	if w.Hub != nil {
		w.Hub.Broadcast(report)
	}
	if w.Notify != nil && report.Decision.State.Terminal() {
		if prev == nil || prev.Decision.State != report.Decision.State {
			w.Notify(ctx, report)
		}
	}
}
