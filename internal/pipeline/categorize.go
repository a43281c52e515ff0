package pipeline

import (
	"path"
	"sort"
)

// Stage identifies one automation pipeline stage.
type Stage string

const (
	StageValidation    Stage = "validation"
	StageDependencyFix Stage = "dependency-fix"
	StageLintFix       Stage = "lint-fix"
	StageOther         Stage = "other"
)

// StageWorkflows maps each pipeline stage to its workflow definition filename.
type StageWorkflows struct {
	Validation    string
	DependencyFix string
	LintFix       string
}

// DefaultStageWorkflows are the workflow filenames the automation repository
// ships with.
func DefaultStageWorkflows() StageWorkflows {
	return StageWorkflows{
		Validation:    "validate.yml",
		DependencyFix: "dependency-fix.yml",
		LintFix:       "lint-fix.yml",
	}
}

// stageFor resolves a run's stage from its workflow definition filename.
// Unmatched runs land in StageOther.
func (w StageWorkflows) stageFor(run *WorkflowRun) Stage {
	switch path.Base(run.Path) {
	case w.Validation:
		return StageValidation
	case w.DependencyFix:
		return StageDependencyFix
	case w.LintFix:
		return StageLintFix
	}
	return StageOther
}

// PipelineRun reports whether the run belongs to one of the pipeline stages.
func (w StageWorkflows) PipelineRun(run *WorkflowRun) bool {
	return w.stageFor(run) != StageOther
}

// RunBuckets holds the categorized workflow runs, each bucket sorted
// newest-first by (created_at, attempt).
type RunBuckets struct {
	Validation    []WorkflowRun
	DependencyFix []WorkflowRun
	LintFix       []WorkflowRun
	Other         []WorkflowRun
}

// Categorize buckets raw runs by stage and sorts each bucket so index 0 is the
// most recent attempt of that stage.
func Categorize(runs []WorkflowRun, workflows StageWorkflows) RunBuckets {
	var b RunBuckets
	for _, run := range runs {
		switch workflows.stageFor(&run) {
		case StageValidation:
			b.Validation = append(b.Validation, run)
		case StageDependencyFix:
			b.DependencyFix = append(b.DependencyFix, run)
		case StageLintFix:
			b.LintFix = append(b.LintFix, run)
		default:
			b.Other = append(b.Other, run)
		}
	}
	sortNewestFirst(b.Validation)
	sortNewestFirst(b.DependencyFix)
	sortNewestFirst(b.LintFix)
	sortNewestFirst(b.Other)
	return b
}

func sortNewestFirst(runs []WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].Attempt > runs[j].Attempt
	})
}

// bucket returns the runs for a stage.
func (b *RunBuckets) bucket(stage Stage) []WorkflowRun {
	switch stage {
	case StageValidation:
		return b.Validation
	case StageDependencyFix:
		return b.DependencyFix
	case StageLintFix:
		return b.LintFix
	}
	return b.Other
}

// LatestForHead returns the most recent run of the given stage whose head
// commit equals headSHA. Runs from earlier commits on the branch are ignored
// entirely, even when they are newer in wall-clock terms.
func (b *RunBuckets) LatestForHead(stage Stage, headSHA string) *WorkflowRun {
	runs := b.bucket(stage)
	for i := range runs {
		if runs[i].HeadSHA == headSHA {
			return &runs[i]
		}
	}
	return nil
}

// Any reports whether the stage has at least one run for the PR, on any commit.
func (b *RunBuckets) Any(stage Stage) bool {
	return len(b.bucket(stage)) > 0
}

// All returns every categorized run, used when flattening checks for display.
func (b *RunBuckets) All() []WorkflowRun {
	out := make([]WorkflowRun, 0, len(b.Validation)+len(b.DependencyFix)+len(b.LintFix)+len(b.Other))
	out = append(out, b.Validation...)
	out = append(out, b.DependencyFix...)
	out = append(out, b.LintFix...)
	out = append(out, b.Other...)
	return out
}
