package pipeline

import (
	"regexp"
	"strings"
)

// generationInfoPrefix names the per-tool marker artifacts the validation
// stage uploads while it is still processing a tool and removes once the tool
// is done.
const generationInfoPrefix = "generation-info-"

// DependencyFulfilled tri-state values.
const (
	DepsUnknown   = "unknown"
	DepsPending   = "pending"
	DepsFulfilled = "fulfilled"
)

// depNamePattern pulls backticked package names out of the dependency bot's
// comment body.
var depNamePattern = regexp.MustCompile("`([^`\\s]+)`")

func generationMarkers(run *WorkflowRun) []Artifact {
	var out []Artifact
	for _, a := range run.Artifacts {
		if strings.HasPrefix(a.Name, generationInfoPrefix) {
			out = append(out, a)
		}
	}
	return out
}

// validationFinalized reports whether the validation stage's terminal
// side-effect has occurred for the head commit: the latest head validation run
// completed successfully and carries no generation-info marker, while an
// earlier validation run (any commit or attempt) did carry one.
//
// This is an inference from the absence of an artifact rather than an explicit
// completion signal. It is deliberately isolated here so a future explicit
// stage-completion marker can replace it without touching the state machine.
func validationFinalized(ev *Evidence) bool {
	head := ev.Runs.LatestForHead(StageValidation, ev.PR.HeadSHA)
	if head == nil || !head.Completed() || head.Conclusion != "success" {
		return false
	}
	if len(generationMarkers(head)) > 0 {
		return false
	}
	for i := range ev.Runs.Validation {
		run := &ev.Runs.Validation[i]
		if run.ID == head.ID {
			continue
		}
		if len(generationMarkers(run)) > 0 {
			return true
		}
	}
	return false
}

// DeriveGenerationInfo computes the generation-info view of the evidence:
// whether the dependency bot's identified packages have been installed,
// whether the lint fixer has already run, and which packages were named.
func DeriveGenerationInfo(ev *Evidence) GenerationInfo {
	info := GenerationInfo{
		DependenciesFulfilled: DepsUnknown,
		// The lint fixer pushes its own commit, so its run lands on the
		// previous head; any lint-fix run on the PR counts as attempted.
		LintFixAttempted: ev.Runs.Any(StageLintFix),
	}

	depComment := newestByStage(ev.Comments, StageDependencyFix)
	if depComment == nil {
		return info
	}

	info.Dependencies = parseDependencyNames(depComment.Body)
	info.DependenciesFulfilled = DepsPending
	for i := range ev.Runs.DependencyFix {
		run := &ev.Runs.DependencyFix[i]
		if run.Completed() && run.Conclusion == "success" {
			info.DependenciesFulfilled = DepsFulfilled
			break
		}
	}
	return info
}

func newestByStage(comments []Comment, stage Stage) *Comment {
	for i := range comments {
		if comments[i].Origin.Bot() && comments[i].Origin.Stage() == stage {
			return &comments[i]
		}
	}
	return nil
}

// parseDependencyNames extracts backticked package names from the dependency
// bot's marker comment, preserving order and dropping duplicates.
func parseDependencyNames(body string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range depNamePattern.FindAllStringSubmatch(body, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}
