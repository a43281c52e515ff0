package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveGenerationInfo(t *testing.T) {
	depReport := botComment(1, "app-dependency-bot[bot]",
		"## Dependency Check\nDependencies pending: `stripe`, `resend` and `stripe` again",
		5*time.Minute)

	t.Run("no evidence", func(t *testing.T) {
		info := DeriveGenerationInfo(evidence(openPR("abc123"), nil, nil, nil))
		assert.Equal(t, DepsUnknown, info.DependenciesFulfilled)
		assert.False(t, info.LintFixAttempted)
		assert.Empty(t, info.Dependencies)
	})

	t.Run("dependency comment pending", func(t *testing.T) {
		info := DeriveGenerationInfo(evidence(openPR("abc123"), nil, []Comment{depReport}, nil))
		assert.Equal(t, DepsPending, info.DependenciesFulfilled)
		// Order preserved, duplicate dropped.
		assert.Equal(t, []string{"stripe", "resend"}, info.Dependencies)
	})

	t.Run("fulfilled after successful fixer run", func(t *testing.T) {
		runs := []WorkflowRun{run(2, "dependency-fix.yml", "abc123", "completed", "success", 2*time.Minute)}
		info := DeriveGenerationInfo(evidence(openPR("abc123"), runs, []Comment{depReport}, nil))
		assert.Equal(t, DepsFulfilled, info.DependenciesFulfilled)
	})

	t.Run("failed fixer run stays pending", func(t *testing.T) {
		runs := []WorkflowRun{run(2, "dependency-fix.yml", "abc123", "completed", "failure", 2*time.Minute)}
		info := DeriveGenerationInfo(evidence(openPR("abc123"), runs, []Comment{depReport}, nil))
		assert.Equal(t, DepsPending, info.DependenciesFulfilled)
	})

	t.Run("lint fix attempted on any commit", func(t *testing.T) {
		runs := []WorkflowRun{run(3, "lint-fix.yml", "old000", "completed", "success", time.Hour)}
		info := DeriveGenerationInfo(evidence(openPR("abc123"), runs, nil, nil))
		assert.True(t, info.LintFixAttempted)
	})
}

func TestValidationFinalized(t *testing.T) {
	marked := func(r WorkflowRun) WorkflowRun {
		r.Artifacts = []Artifact{{ID: 1, Name: "generation-info-contact-form"}}
		return r
	}

	tests := []struct {
		name string
		runs []WorkflowRun
		want bool
	}{
		{name: "no runs", want: false},
		{
			name: "head still carries markers",
			runs: []WorkflowRun{marked(run(2, "validate.yml", "abc123", "completed", "success", time.Minute))},
			want: false,
		},
		{
			name: "clean head but no prior markers ever",
			runs: []WorkflowRun{run(2, "validate.yml", "abc123", "completed", "success", time.Minute)},
			want: false,
		},
		{
			name: "clean head after a marked run",
			runs: []WorkflowRun{
				run(2, "validate.yml", "abc123", "completed", "success", time.Minute),
				marked(run(1, "validate.yml", "abc123", "completed", "success", 10*time.Minute)),
			},
			want: true,
		},
		{
			name: "marked run was on an earlier commit",
			runs: []WorkflowRun{
				run(2, "validate.yml", "abc123", "completed", "success", time.Minute),
				marked(run(1, "validate.yml", "old000", "completed", "failure", 20*time.Minute)),
			},
			want: true,
		},
		{
			name: "head failed",
			runs: []WorkflowRun{
				run(2, "validate.yml", "abc123", "completed", "failure", time.Minute),
				marked(run(1, "validate.yml", "abc123", "completed", "success", 10*time.Minute)),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := evidence(openPR("abc123"), tt.runs, nil, nil)
			assert.Equal(t, tt.want, validationFinalized(ev))
		})
	}
}
