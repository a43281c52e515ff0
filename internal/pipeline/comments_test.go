package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOrigins(t *testing.T) {
	table := DefaultRuleTable(DefaultBotIdentities())

	tests := []struct {
		name    string
		comment Comment
		want    Origin
	}{
		{
			name:    "specific validation bot",
			comment: Comment{Author: "app-validator[bot]", AuthorBot: true, Body: "## Validation Results\nAll good."},
			want:    OriginValidationBot,
		},
		{
			name:    "generic identity disambiguated by marker",
			comment: Comment{Author: "github-actions[bot]", AuthorBot: true, Body: "## Dependency Check\nDependencies pending"},
			want:    OriginDependencyGeneric,
		},
		{
			name:    "generic identity with lint marker",
			comment: Comment{Author: "github-actions[bot]", AuthorBot: true, Body: "## Lint Fix Applied\nPushed 3 fixes."},
			want:    OriginLintGeneric,
		},
		{
			name:    "generic identity without marker",
			comment: Comment{Author: "github-actions[bot]", AuthorBot: true, Body: "unrelated automation noise"},
			want:    OriginOtherBot,
		},
		{
			name:    "pr creator matches on author alone",
			comment: Comment{Author: "app-builder[bot]", AuthorBot: true, Body: "Created this PR."},
			want:    OriginPRCreator,
		},
		{
			name:    "deployment bot",
			comment: Comment{Author: "netlify[bot]", AuthorBot: true, Body: "Deploy preview ready!"},
			want:    OriginDeployment,
		},
		{
			name:    "unknown bot",
			comment: Comment{Author: "dependabot[bot]", AuthorBot: true, Body: "Bump stripe from 1 to 2"},
			want:    OriginOtherBot,
		},
		{
			name: "human even when body carries a marker",
			// Markers never promote a human comment to a bot origin.
			comment: Comment{Author: "alice", Body: "## Validation Results\nquoting the bot here"},
			want:    OriginHuman,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Classify(tt.comment)
			assert.Equal(t, tt.want, got.Origin)
		})
	}
}

func TestClassifyExtractsSignals(t *testing.T) {
	table := DefaultRuleTable(DefaultBotIdentities())

	c := table.Classify(Comment{
		Author:    "app-validator[bot]",
		AuthorBot: true,
		Body: "## Validation Results\n" +
			"Build/Lint errors detected.\n" +
			"Direct Link: https://cdn.example.com/assets/report-42.zip\n" +
			"See https://github.com/acme/site/actions/runs/123456 for logs.",
	})
	assert.Equal(t, "https://cdn.example.com/assets/report-42.zip", c.AssetURL)
	assert.Equal(t, int64(123456), c.RunID)

	c = table.Classify(Comment{Author: "app-validator[bot]", AuthorBot: true, Body: "## Validation Results\nno links"})
	assert.Empty(t, c.AssetURL)
	assert.Zero(t, c.RunID)
}

func TestClassifyAllSortsNewestFirst(t *testing.T) {
	table := DefaultRuleTable(DefaultBotIdentities())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	comments := []Comment{
		{ID: 1, Author: "alice", Body: "first", CreatedAt: base},
		{ID: 3, Author: "alice", Body: "third", CreatedAt: base.Add(2 * time.Minute)},
		{ID: 2, Author: "alice", Body: "second", CreatedAt: base.Add(time.Minute)},
	}

	out := table.ClassifyAll(comments)
	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[0].ID)
	assert.Equal(t, int64(2), out[1].ID)
	assert.Equal(t, int64(1), out[2].ID)
}

func TestLoadRuleTable(t *testing.T) {
	ids := DefaultBotIdentities()

	t.Run("missing file falls back to default", func(t *testing.T) {
		table, err := LoadRuleTable(filepath.Join(t.TempDir(), "absent.yaml"), ids)
		require.NoError(t, err)
		assert.Equal(t, DefaultRulesVersion, table.Version)
		assert.NotEmpty(t, table.Rules)
	})

	t.Run("override file wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		data := "version: 2\nrules:\n  - author: custom[bot]\n    marker: \"## Validation Results\"\n    origin: validation-bot\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		table, err := LoadRuleTable(path, ids)
		require.NoError(t, err)
		assert.Equal(t, 2, table.Version)
		require.Len(t, table.Rules, 1)

		c := table.Classify(Comment{Author: "custom[bot]", AuthorBot: true, Body: "## Validation Results\nok"})
		assert.Equal(t, OriginValidationBot, c.Origin)
	})

	t.Run("empty table rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: 2\nrules: []\n"), 0o644))
		_, err := LoadRuleTable(path, ids)
		assert.Error(t, err)
	})
}

func TestCommentForRun(t *testing.T) {
	table := DefaultRuleTable(DefaultBotIdentities())
	comments := table.ClassifyAll([]Comment{
		{ID: 1, Author: "app-validator[bot]", AuthorBot: true, Body: "## Validation Results\nhttps://github.com/acme/site/actions/runs/7"},
		{ID: 2, Author: "alice", Body: "mentions https://github.com/acme/site/actions/runs/7 too"},
	})

	got := CommentForRun(comments, 7)
	require.NotNil(t, got)
	// Only stage-bot comments count as run reports.
	assert.Equal(t, int64(1), got.ID)
	assert.Nil(t, CommentForRun(comments, 99))
}

func TestDigestTruncates(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	c := Comment{Author: "app-validator[bot]", Origin: OriginValidationBot, Body: string(long) + "\nsecond line"}

	d := c.Digest()
	assert.Equal(t, 140+len("…"), len(d.Excerpt))
	assert.NotContains(t, d.Excerpt, "second")
}

func TestDigestTruncatesOnRuneBoundary(t *testing.T) {
	c := Comment{Author: "app-validator[bot]", Origin: OriginValidationBot, Body: strings.Repeat("é", 200)}

	d := c.Digest()
	assert.True(t, utf8.ValidString(d.Excerpt))
	assert.Equal(t, 140+1, utf8.RuneCountInString(d.Excerpt))
	assert.Equal(t, strings.Repeat("é", 140)+"…", d.Excerpt)
}
