package pipeline

import (
	"fmt"
	"strings"
)

// State is the discrete pipeline state derived from one evidence snapshot.
type State string

const (
	StateValidationPending     State = "validation_pending"
	StateValidationRunning     State = "validation_running"
	StateValidationFinalizing  State = "validation_finalizing"
	StateDependencyFixExpected State = "dependency_fix_expected"
	StateDependencyFixRunning  State = "dependency_fix_running"
	StateLintFixExpected       State = "lint_fix_expected"
	StateLintFixRunning        State = "lint_fix_running"
	StateDeployPreviewPending  State = "deploy_preview_pending"

	// Terminal states. Polling stops once one of these is reached.
	StateUserReviewReady            State = "user_review_ready"
	StateManualReviewCritical       State = "manual_review_critical"
	StateManualReviewUnknownFailure State = "manual_review_unknown_failure"
	StateManualReviewLintPersists   State = "manual_review_lint_persists"
	StateManualReviewDeployFailed   State = "manual_review_deploy_failed"
	StateManualReviewTimeout        State = "manual_review_timeout"
	StateClosedMerged               State = "closed_merged"
	StateClosedUnmerged             State = "closed_unmerged"
)

// Terminal reports whether the state admits no further automated transitions.
func (s State) Terminal() bool {
	switch s {
	case StateUserReviewReady, StateManualReviewCritical, StateManualReviewUnknownFailure,
		StateManualReviewLintPersists, StateManualReviewDeployFailed, StateManualReviewTimeout,
		StateClosedMerged, StateClosedUnmerged:
		return true
	}
	return false
}

// NeedsHuman reports whether the state asks for manual intervention.
func (s State) NeedsHuman() bool {
	switch s {
	case StateManualReviewCritical, StateManualReviewUnknownFailure,
		StateManualReviewLintPersists, StateManualReviewDeployFailed,
		StateManualReviewTimeout:
		return true
	}
	return false
}

// NextAction names the automated action the pipeline is expected to take next.
type NextAction string

const (
	ActionValidation    NextAction = "validation"
	ActionDependencyFix NextAction = "dependency-fix"
	ActionLintFix       NextAction = "lint-fix"
	ActionDeployPreview NextAction = "deploy-preview"
	ActionUserReview    NextAction = "user-review"
	ActionManualReview  NextAction = "manual-review"
	ActionNone          NextAction = "none"
)

// Severity is the UI rendering hint attached to a decision.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityLoading Severity = "loading"
)

// Decision is the synthesized outcome of one evidence snapshot. It is
// recomputed from scratch on every call and never persisted; two calls over
// identical evidence produce identical decisions.
type Decision struct {
	State           State             `json:"state"`
	Summary         string            `json:"summary"`
	ActiveStage     string            `json:"activeStage,omitempty"`
	NextAction      NextAction        `json:"nextAction"`
	ContinuePolling bool              `json:"continuePolling"`
	LastBotComment  *BotCommentDigest `json:"lastBotComment,omitempty"`
	Severity        Severity          `json:"severity"`
}

// Validation failure markers posted by the validation bot, checked in order.
const (
	markerDepsPending = "Dependencies pending"
	markerLintErrors  = "Build/Lint errors detected"
	markerCritical    = "Critical: initial validation failed"
	markerNoCapture   = "validation errors could not be captured"
)

// Synthesize derives the pipeline decision from an immutable evidence
// snapshot. Rules are evaluated in fixed priority order and the first match
// wins, so contradictory evidence always resolves deterministically.
func Synthesize(ev *Evidence) Decision {
	d := synthesize(ev)
	if c := LatestBotComment(ev.Comments); c != nil {
		digest := c.Digest()
		d.LastBotComment = &digest
	}
	return d
}

func synthesize(ev *Evidence) Decision {
	// 1. A closed PR absorbs every other signal.
	if !ev.PR.Open() {
		if ev.PR.Merged {
			return Decision{
				State:      StateClosedMerged,
				Summary:    fmt.Sprintf("PR #%d has been merged.", ev.PR.Number),
				NextAction: ActionNone,
				Severity:   SeveritySuccess,
			}
		}
		return Decision{
			State:      StateClosedUnmerged,
			Summary:    fmt.Sprintf("PR #%d was closed without merging.", ev.PR.Number),
			NextAction: ActionNone,
			Severity:   SeverityInfo,
		}
	}

	// 2. Validation's terminal side-effect observed: track the deployment.
	if validationFinalized(ev) {
		return deployFollowUp(ev)
	}

	// 3. The latest validation run for the current head commit decides.
	if run := ev.Runs.LatestForHead(StageValidation, ev.PR.HeadSHA); run != nil {
		return fromValidationRun(ev, run)
	}

	// 4. A fixer stage may be active before validation restarts on its push.
	if run := ev.Runs.LatestForHead(StageDependencyFix, ev.PR.HeadSHA); run != nil && run.InFlight() {
		return Decision{
			State:           StateDependencyFixRunning,
			Summary:         "Installing missing dependencies.",
			ActiveStage:     string(StageDependencyFix),
			NextAction:      ActionValidation,
			ContinuePolling: true,
			Severity:        SeverityLoading,
		}
	}
	if run := ev.Runs.LatestForHead(StageLintFix, ev.PR.HeadSHA); run != nil && run.InFlight() {
		return Decision{
			State:           StateLintFixRunning,
			Summary:         "Applying automated lint fixes.",
			ActiveStage:     string(StageLintFix),
			NextAction:      ActionValidation,
			ContinuePolling: true,
			Severity:        SeverityLoading,
		}
	}

	// 5. Nothing has started for this commit yet.
	return Decision{
		State:           StateValidationPending,
		Summary:         "Waiting for code validation to start.",
		ActiveStage:     string(StageValidation),
		NextAction:      ActionValidation,
		ContinuePolling: true,
		Severity:        SeverityLoading,
	}
}

func fromValidationRun(ev *Evidence, run *WorkflowRun) Decision {
	if !run.Completed() {
		return Decision{
			State:           StateValidationRunning,
			Summary:         "Code validation is running.",
			ActiveStage:     string(StageValidation),
			NextAction:      ActionValidation,
			ContinuePolling: true,
			Severity:        SeverityLoading,
		}
	}

	switch run.Conclusion {
	case "success":
		return Decision{
			State:           StateValidationFinalizing,
			Summary:         "Validation passed; finalizing results.",
			ActiveStage:     string(StageValidation),
			NextAction:      ActionDeployPreview,
			ContinuePolling: true,
			Severity:        SeverityLoading,
		}
	case "failure":
		return classifyValidationFailure(ev, run)
	}

	// neutral, cancelled, stale and friends: nothing automated follows.
	return Decision{
		State:      StateManualReviewUnknownFailure,
		Summary:    fmt.Sprintf("Validation ended with conclusion %q; manual review needed.", run.Conclusion),
		NextAction: ActionManualReview,
		Severity:   SeverityWarning,
	}
}

// classifyValidationFailure inspects the bot comment posted for the exact
// failed run and maps its failure marker to the next pipeline stage. Markers
// are checked in fixed order so overlapping bodies resolve the same way on
// every call.
func classifyValidationFailure(ev *Evidence, run *WorkflowRun) Decision {
	comment := CommentForRun(ev.Comments, run.ID)
	if comment == nil {
		return Decision{
			State:      StateManualReviewUnknownFailure,
			Summary:    "Validation failed and no bot report was found; manual review needed.",
			NextAction: ActionManualReview,
			Severity:   SeverityError,
		}
	}

	body := comment.Body
	switch {
	case strings.Contains(body, markerDepsPending):
		return Decision{
			State:           StateDependencyFixExpected,
			Summary:         "Validation found missing dependencies; the dependency fixer should pick them up.",
			ActiveStage:     string(StageDependencyFix),
			NextAction:      ActionDependencyFix,
			ContinuePolling: true,
			Severity:        SeverityInfo,
		}
	case strings.Contains(body, markerLintErrors):
		if DeriveGenerationInfo(ev).LintFixAttempted {
			return Decision{
				State:      StateManualReviewLintPersists,
				Summary:    "Build/lint errors persist after an automated fix attempt; manual review needed.",
				NextAction: ActionManualReview,
				Severity:   SeverityError,
			}
		}
		return Decision{
			State:           StateLintFixExpected,
			Summary:         "Validation found build/lint errors; the lint fixer should pick them up.",
			ActiveStage:     string(StageLintFix),
			NextAction:      ActionLintFix,
			ContinuePolling: true,
			Severity:        SeverityInfo,
		}
	case strings.Contains(body, markerCritical), strings.Contains(body, markerNoCapture):
		return Decision{
			State:      StateManualReviewCritical,
			Summary:    "Initial validation failed critically; manual review needed.",
			NextAction: ActionManualReview,
			Severity:   SeverityError,
		}
	}

	return Decision{
		State:      StateManualReviewUnknownFailure,
		Summary:    "Validation failed for an unrecognized reason; manual review needed.",
		NextAction: ActionManualReview,
		Severity:   SeverityError,
	}
}

// deployFollowUp governs the transitions after validation has finalized:
// the deployment check suite decides whether the PR is ready for review.
func deployFollowUp(ev *Evidence) Decision {
	d := ev.Deployment
	switch {
	case d.Succeeded():
		summary := "Deploy preview is live; ready for your review."
		if d.PreviewURL != "" {
			summary = fmt.Sprintf("Deploy preview is live at %s; ready for your review.", d.PreviewURL)
		}
		return Decision{
			State:      StateUserReviewReady,
			Summary:    summary,
			NextAction: ActionUserReview,
			Severity:   SeveritySuccess,
		}
	case d.Failed():
		return Decision{
			State:      StateManualReviewDeployFailed,
			Summary:    "The deploy preview failed to build; manual review needed.",
			NextAction: ActionManualReview,
			Severity:   SeverityError,
		}
	}

	// No suite yet, or queued/in progress.
	return Decision{
		State:           StateDeployPreviewPending,
		Summary:         "Validation finished; waiting for the deploy preview.",
		ActiveStage:     "deployment",
		NextAction:      ActionDeployPreview,
		ContinuePolling: true,
		Severity:        SeverityLoading,
	}
}
