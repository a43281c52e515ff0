package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

var (
	watchIntervalFlag    time.Duration
	watchMaxAttemptsFlag int
)

func init() {
	watchCmd.Flags().DurationVar(&watchIntervalFlag, "interval", 0, "Polling interval (default from config or 10s)")
	watchCmd.Flags().IntVar(&watchMaxAttemptsFlag, "max-attempts", 0, "Polling attempt ceiling (default from config or 360)")
}

var watchCmd = &cobra.Command{
	Use:   "watch <number>",
	Short: "Poll a PR until its pipeline reaches a terminal state",
	Long: `Poll the PR on an interval, printing every pipeline state change, until
the pipeline finishes or the attempt ceiling is reached. For unattended
watching use the daemon instead: vigil server start, then POST /watch.`,
	Example: `  vigil watch 42
  vigil watch 42 --interval 30s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := parsePRNumber(args[0])
		if err != nil {
			return err
		}

		interval := watchIntervalFlag
		if interval <= 0 {
			interval = appConfig.Polling.ParseInterval()
		}
		maxAttempts := watchMaxAttemptsFlag
		if maxAttempts <= 0 {
			maxAttempts = appConfig.Polling.MaxAttempts
		}
		if maxAttempts <= 0 {
			maxAttempts = pipeline.DefaultMaxAttempts
		}

		fetcher, err := newFetcher(appConfig)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastState pipeline.State
		for attempt := 1; ; attempt++ {
			ev, err := fetcher.Snapshot(ctx, number)
			var partial *github.PartialError
			switch {
			case err == nil, errors.As(err, &partial):
			case errors.Is(err, github.ErrNotFound):
				return fmt.Errorf("PR %d not found", number)
			default:
				fmt.Fprintf(cmd.ErrOrStderr(), "poll %d failed: %v\n", attempt, err)
				if attempt >= maxAttempts {
					return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
				}
				if err := sleep(ctx, ticker); err != nil {
					return err
				}
				continue
			}

			report := pipeline.BuildReport(ev, attempt, maxAttempts, time.Now())
			d := report.Decision

			if d.State != lastState {
				lastState = d.State
				stamp := report.ObservedAt.Local().Format("15:04:05")
				fmt.Fprintf(out, "[%s] %s — %s\n", stamp, stateStyle(d.Severity).Render(string(d.State)), d.Summary)
			}

			if !d.ContinuePolling {
				fmt.Fprintln(out)
				renderReport(out, report)
				return nil
			}

			if err := sleep(ctx, ticker); err != nil {
				return err
			}
		}
	},
}

func sleep(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
		return nil
	}
}
