// Package server hosts the vigil daemon: per-PR polling loops, the REST API
// over synthesized decisions, the WebSocket broadcast hub, and notification
// delivery.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanmeadows/vigil/internal/config"
	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/history"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// Server wires the fetcher, watcher, history store and hub behind the HTTP API.
type Server struct {
	cfg         *config.Config
	client      *github.Client
	fetcher     Snapshotter
	watcher     *Watcher
	hub         *Hub
	history     *history.Store
	maxAttempts int
	start       time.Time
	rollup      func(ctx context.Context, number int, ev *pipeline.Evidence) string

	// baseCtx parents the watch loops so they outlive individual requests.
	baseCtx context.Context
}

// New builds a server from configuration. The history store is optional;
// everything else is required.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rules, err := pipeline.LoadRuleTable(cfg.Pipeline.RulesFile, cfg.Pipeline.BotIdentities())
	if err != nil {
		return nil, fmt.Errorf("loading classifier rules: %w", err)
	}

	client := github.NewClient(cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Token)
	fetcher := github.NewFetcher(client, cfg.Pipeline.StageWorkflows(), rules, cfg.Pipeline.DeployProvider())

	s := &Server{
		cfg:         cfg,
		client:      client,
		fetcher:     fetcher,
		hub:         NewHub(),
		maxAttempts: cfg.Polling.MaxAttempts,
		start:       time.Now(),
		rollup:      client.OverallCheckState,
	}
	s.watcher = NewWatcher(fetcher, cfg.Polling.ParseInterval(), cfg.Polling.MaxAttempts)
	s.watcher.Hub = s.hub
	s.watcher.Notify = func(ctx context.Context, report pipeline.Report) {
		if err := Notify(ctx, &cfg.Notifications, report); err != nil {
			slog.Warn("notification failed", "pr", report.PR.Number, "error", err)
		}
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			slog.Warn("history store unavailable", "path", cfg.History.Path, "error", err)
		} else {
			s.history = store
			s.watcher.History = store
		}
	}

	return s, nil
}

func (s *Server) buildReport(ev *pipeline.Evidence) pipeline.Report {
	return pipeline.BuildReport(ev, 0, s.maxAttempts, time.Now())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /prs/{number}", s.handlePR)
	mux.HandleFunc("GET /prs/{number}/checks", s.handleChecks)
	mux.HandleFunc("GET /prs/{number}/history", s.handleHistory)
	mux.HandleFunc("GET /prs/{number}/transitions", s.handleTransitions)
	mux.HandleFunc("GET /watch", s.handleListWatches)
	mux.HandleFunc("POST /watch/{number}", s.handleAddWatch)
	mux.HandleFunc("DELETE /watch/{number}", s.handleRemoveWatch)
	mux.HandleFunc("GET /ws", s.hub.HandleWS)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	s.baseCtx = ctx

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("starting HTTP server", "addr", addr, "repo", s.client.Owner()+"/"+s.client.Repo())
	err := srv.ListenAndServe()

	s.watcher.StopAll()
	if s.history != nil {
		s.history.Close()
	}

	if err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
