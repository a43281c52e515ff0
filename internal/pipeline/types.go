// Package pipeline reconstructs the state of the bot-driven PR automation
// pipeline (validation → dependency-fix → lint-fix → preview deployment →
// human review) from evidence fetched out of the hosting API. Everything in
// this package is pure: it operates on an immutable Evidence snapshot built
// once per call and never performs I/O of its own.
package pipeline

import "time"

// PullRequestInfo is an immutable snapshot of the pull request under
// synthesis, fetched once per invocation.
type PullRequestInfo struct {
	Number     int
	Title      string
	State      string // "open" or "closed"
	Merged     bool
	HeadBranch string
	HeadSHA    string
	BaseBranch string
	URL        string
	Author     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open reports whether the PR is still open.
func (pr *PullRequestInfo) Open() bool {
	return pr.State == "open"
}

// WorkflowRun is one execution of an automation stage for some commit.
type WorkflowRun struct {
	ID         int64
	Name       string
	Path       string // workflow definition filename, e.g. "validate.yml"
	Status     string // queued, in_progress, completed, ...
	Conclusion string // success, failure, neutral, cancelled, ...
	HeadBranch string
	HeadSHA    string
	Attempt    int
	URL        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Jobs       []Job
	Artifacts  []Artifact
}

// Completed reports whether the run has finished, regardless of outcome.
func (r *WorkflowRun) Completed() bool {
	return r.Status == "completed"
}

// InFlight reports whether the run is queued or still executing.
func (r *WorkflowRun) InFlight() bool {
	return r.Status == "queued" || r.Status == "in_progress" || r.Status == "waiting" || r.Status == "pending"
}

// Job is one ordered step group within a workflow run.
type Job struct {
	ID          int64
	Name        string
	Status      string
	Conclusion  string
	URL         string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Artifact is a file uploaded by a workflow run.
type Artifact struct {
	ID        int64
	Name      string
	SizeBytes int64
	Expired   bool
	ExpiresAt time.Time
}

// DeploymentStatus is the preview-deployment provider's check suite for the
// head commit, with its resolved preview URL when one could be extracted.
type DeploymentStatus struct {
	SuiteID    int64
	Status     string // queued, in_progress, completed
	Conclusion string // success, failure, cancelled, ...
	PreviewURL string
	CheckRuns  []CheckRun
}

// Succeeded reports whether the deployment suite concluded successfully.
func (d *DeploymentStatus) Succeeded() bool {
	return d != nil && d.Status == "completed" && d.Conclusion == "success"
}

// Failed reports whether the deployment suite concluded in failure.
func (d *DeploymentStatus) Failed() bool {
	if d == nil || d.Status != "completed" {
		return false
	}
	switch d.Conclusion {
	case "failure", "cancelled", "timed_out":
		return true
	}
	return false
}

// CheckRun is a single named check inside a check suite.
type CheckRun struct {
	ID          int64
	Name        string
	Status      string
	Conclusion  string
	DetailsURL  string
	URL         string
	Summary     string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Comment is an issue comment with its derived origin tag and any structured
// signals extracted from the body.
type Comment struct {
	ID        int64
	Author    string
	AuthorBot bool // author account type is "Bot"
	Body      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Origin   Origin
	RunID    int64  // referenced workflow run, 0 when absent
	AssetURL string // embedded "Direct Link" asset, empty when absent
}

// Evidence is the complete, immutable input to one synthesis call. All fields
// are gathered before synthesis starts; a partially-fetched snapshot is never
// synthesized.
type Evidence struct {
	PR         PullRequestInfo
	Runs       RunBuckets
	Comments   []Comment // newest first
	Deployment *DeploymentStatus
}

// GenerationInfo summarizes the per-tool generation markers derived from
// validation-run artifacts and bot comments.
type GenerationInfo struct {
	// DependenciesFulfilled is "unknown", "pending", or "fulfilled".
	DependenciesFulfilled string `json:"dependenciesFulfilled"`
	// LintFixAttempted is true once the lint-fixer has run for this PR.
	LintFixAttempted bool `json:"lintFixAttempted"`
	// Dependencies lists package names identified by the dependency bot.
	Dependencies []string `json:"dependencies"`
}

// CheckSummary is one row of the flattened check list shown to callers.
type CheckSummary struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion,omitempty"`
	URL         string     `json:"url,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BotCommentDigest is a short summary of the most recent pipeline-bot comment.
type BotCommentDigest struct {
	Author    string    `json:"author"`
	Origin    string    `json:"origin"`
	Excerpt   string    `json:"excerpt"`
	CreatedAt time.Time `json:"createdAt"`
}
