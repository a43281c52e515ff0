package pipeline

import (
	"fmt"
	"time"
)

// Polling defaults. At 10s intervals, 360 attempts give the pipeline an hour
// to reach a terminal state before the watcher gives up.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxAttempts  = 360
)

// Finalize applies the polling contract to a freshly synthesized decision.
// Once attempt reaches the ceiling, any non-terminal decision is overridden
// with a timeout so a stuck pipeline cannot poll forever.
func Finalize(d Decision, attempt, maxAttempts int) Decision {
	if d.State.Terminal() || attempt < maxAttempts {
		return d
	}
	return Decision{
		State:          StateManualReviewTimeout,
		Summary:        fmt.Sprintf("Pipeline did not settle after %d polling attempts; manual review needed.", attempt),
		NextAction:     ActionManualReview,
		Severity:       SeverityError,
		LastBotComment: d.LastBotComment,
	}
}

// FlattenChecks collapses the evidence into the flat check list shown to
// callers: one row per job of each latest-per-stage run for the head commit,
// plus a synthetic row for the preview deployment when a suite exists.
func FlattenChecks(ev *Evidence) []CheckSummary {
	var checks []CheckSummary
	for _, stage := range []Stage{StageValidation, StageDependencyFix, StageLintFix} {
		run := ev.Runs.LatestForHead(stage, ev.PR.HeadSHA)
		if run == nil {
			continue
		}
		if len(run.Jobs) == 0 {
			checks = append(checks, CheckSummary{
				Name:       run.Name,
				Status:     run.Status,
				Conclusion: run.Conclusion,
				URL:        run.URL,
			})
			continue
		}
		for _, job := range run.Jobs {
			row := CheckSummary{
				Name:       fmt.Sprintf("%s / %s", run.Name, job.Name),
				Status:     job.Status,
				Conclusion: job.Conclusion,
				URL:        job.URL,
			}
			if !job.StartedAt.IsZero() {
				t := job.StartedAt
				row.StartedAt = &t
			}
			if !job.CompletedAt.IsZero() {
				t := job.CompletedAt
				row.CompletedAt = &t
			}
			checks = append(checks, row)
		}
	}

	if d := ev.Deployment; d != nil {
		checks = append(checks, CheckSummary{
			Name:       "Deploy Preview",
			Status:     d.Status,
			Conclusion: d.Conclusion,
			URL:        d.PreviewURL,
		})
	}
	return checks
}

// Overall check states for a head commit.
const (
	ChecksPending = "pending"
	ChecksSuccess = "success"
	ChecksFailure = "failure"
	ChecksNeutral = "neutral"
	ChecksUnknown = "unknown"
)

// OverallChecks derives the aggregate check state from the flattened
// evidence checks: any failure wins, then any in-flight check; a board of
// nothing but neutral or skipped conclusions is neutral, not success.
func OverallChecks(ev *Evidence) string {
	checks := FlattenChecks(ev)
	if len(checks) == 0 {
		return ChecksUnknown
	}

	pending := false
	neutralOnly := true
	for _, check := range checks {
		switch check.Conclusion {
		case "failure", "timed_out", "cancelled", "action_required":
			return ChecksFailure
		case "neutral", "skipped":
		default:
			neutralOnly = false
		}
		if check.Status != "completed" {
			pending = true
		}
	}
	if pending {
		return ChecksPending
	}
	if neutralOnly {
		return ChecksNeutral
	}
	return ChecksSuccess
}

// Report is the full per-poll result handed to clients: the decision plus the
// supporting detail a UI renders alongside it.
type Report struct {
	PR              PullRequestInfo `json:"pr"`
	Decision        Decision        `json:"decision"`
	Checks          []CheckSummary  `json:"checks"`
	Overall         string          `json:"overall"`
	Generation      GenerationInfo  `json:"generation"`
	PreviewURL      string          `json:"previewUrl,omitempty"`
	DeploySucceeded bool            `json:"deploySucceeded"`
	AssetURL        string          `json:"assetUrl,omitempty"`
	Attempt         int             `json:"attempt"`
	ObservedAt      time.Time       `json:"observedAt"`
}

// BuildReport synthesizes one evidence snapshot into a complete report.
// Overall is aggregated locally; callers with API access may replace it with
// the hosting service's own rollup.
func BuildReport(ev *Evidence, attempt, maxAttempts int, now time.Time) Report {
	r := Report{
		PR:              ev.PR,
		Decision:        Finalize(Synthesize(ev), attempt, maxAttempts),
		Checks:          FlattenChecks(ev),
		Overall:         OverallChecks(ev),
		Generation:      DeriveGenerationInfo(ev),
		DeploySucceeded: ev.Deployment.Succeeded(),
		Attempt:         attempt,
		ObservedAt:      now.UTC(),
	}
	if ev.Deployment != nil {
		r.PreviewURL = ev.Deployment.PreviewURL
	}
	for _, c := range ev.Comments {
		if c.AssetURL != "" {
			r.AssetURL = c.AssetURL
			break
		}
	}
	return r
}
