package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Origin tags a comment with the pipeline identity that authored it.
type Origin string

const (
	OriginValidationBot     Origin = "validation-bot"
	OriginValidationGeneric Origin = "validation-generic"
	OriginDependencyBot     Origin = "dependency-bot"
	OriginDependencyGeneric Origin = "dependency-generic"
	OriginLintBot           Origin = "lint-bot"
	OriginLintGeneric       Origin = "lint-generic"
	OriginPRCreator         Origin = "pr-creator"
	OriginDeployment        Origin = "deployment"
	OriginOtherBot          Origin = "other-bot"
	OriginHuman             Origin = "human"
)

// Bot reports whether the origin is one of the pipeline stage bots
// (specific or generic variant).
func (o Origin) Bot() bool {
	switch o {
	case OriginValidationBot, OriginValidationGeneric,
		OriginDependencyBot, OriginDependencyGeneric,
		OriginLintBot, OriginLintGeneric:
		return true
	}
	return false
}

// Stage returns the pipeline stage a bot origin belongs to, or StageOther.
func (o Origin) Stage() Stage {
	switch o {
	case OriginValidationBot, OriginValidationGeneric:
		return StageValidation
	case OriginDependencyBot, OriginDependencyGeneric:
		return StageDependencyFix
	case OriginLintBot, OriginLintGeneric:
		return StageLintFix
	}
	return StageOther
}

// ClassifierRule maps an (author, marker-substring) pair to an origin tag.
// Author is an exact login match; Marker is a case-sensitive substring the
// comment body must contain. An empty Marker matches any body.
type ClassifierRule struct {
	Author string `yaml:"author"`
	Marker string `yaml:"marker"`
	Origin Origin `yaml:"origin"`
}

// RuleTable is the ordered, versioned classification table. Rules are
// evaluated top to bottom; the first match wins.
type RuleTable struct {
	Version int              `yaml:"version"`
	Rules   []ClassifierRule `yaml:"rules"`
}

// DefaultRulesVersion tracks the built-in table below. Bump it whenever a
// marker heading or bot identity changes.
const DefaultRulesVersion = 1

// Marker headings the stage bots put at the top of their comments. The
// generic automation identity is shared by several stages, so the heading is
// the only way to tell its comments apart.
const (
	MarkerValidation = "## Validation Results"
	MarkerDependency = "## Dependency Check"
	MarkerLintFix    = "## Lint Fix Applied"
)

// DefaultRuleTable returns the built-in classification table for the given
// bot identities.
func DefaultRuleTable(ids BotIdentities) RuleTable {
	return RuleTable{
		Version: DefaultRulesVersion,
		Rules: []ClassifierRule{
			{Author: ids.Validation, Marker: MarkerValidation, Origin: OriginValidationBot},
			{Author: ids.DependencyFix, Marker: MarkerDependency, Origin: OriginDependencyBot},
			{Author: ids.LintFix, Marker: MarkerLintFix, Origin: OriginLintBot},
			{Author: ids.Automation, Marker: MarkerValidation, Origin: OriginValidationGeneric},
			{Author: ids.Automation, Marker: MarkerDependency, Origin: OriginDependencyGeneric},
			{Author: ids.Automation, Marker: MarkerLintFix, Origin: OriginLintGeneric},
			{Author: ids.PRCreator, Origin: OriginPRCreator},
			{Author: ids.Deployment, Origin: OriginDeployment},
		},
	}
}

// LoadRuleTable reads a rule-table override from a YAML file. Missing file is
// not an error; the default table is returned.
func LoadRuleTable(path string, ids BotIdentities) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRuleTable(ids), nil
		}
		return RuleTable{}, fmt.Errorf("reading rule table: %w", err)
	}
	var table RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RuleTable{}, fmt.Errorf("parsing rule table %s: %w", path, err)
	}
	if len(table.Rules) == 0 {
		return RuleTable{}, fmt.Errorf("rule table %s has no rules", path)
	}
	return table, nil
}

// BotIdentities are the known automation account logins.
type BotIdentities struct {
	Validation    string
	DependencyFix string
	LintFix       string
	Automation    string // generic identity shared by several stages
	PRCreator     string
	Deployment    string
}

// DefaultBotIdentities returns the automation logins the pipeline ships with.
func DefaultBotIdentities() BotIdentities {
	return BotIdentities{
		Validation:    "app-validator[bot]",
		DependencyFix: "app-dependency-bot[bot]",
		LintFix:       "app-lint-bot[bot]",
		Automation:    "github-actions[bot]",
		PRCreator:     "app-builder[bot]",
		Deployment:    "netlify[bot]",
	}
}

var (
	// assetLinkPattern matches the documented "Direct Link: <url>" marker.
	assetLinkPattern = regexp.MustCompile(`Direct Link:\s*(https?://\S+)`)
	// runRefPattern matches a workflow-run URL embedded in a comment body.
	runRefPattern = regexp.MustCompile(`/actions/runs/(\d+)`)
)

// Classify tags a single comment with its origin and extracts the structured
// signals from its body. It is a pure function of (author, authorType, body)
// and is independent of any other comment.
func (t RuleTable) Classify(c Comment) Comment {
	c.Origin = t.origin(c)
	if m := assetLinkPattern.FindStringSubmatch(c.Body); m != nil {
		c.AssetURL = strings.TrimRight(m[1], ").,")
	}
	if m := runRefPattern.FindStringSubmatch(c.Body); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			c.RunID = id
		}
	}
	return c
}

func (t RuleTable) origin(c Comment) Origin {
	for _, rule := range t.Rules {
		if c.Author != rule.Author {
			continue
		}
		if rule.Marker == "" || strings.Contains(c.Body, rule.Marker) {
			return rule.Origin
		}
	}
	if c.AuthorBot {
		return OriginOtherBot
	}
	return OriginHuman
}

// ClassifyAll classifies every comment and returns them sorted newest-first.
func (t RuleTable) ClassifyAll(comments []Comment) []Comment {
	out := make([]Comment, len(comments))
	for i, c := range comments {
		out[i] = t.Classify(c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CommentForRun returns the newest stage-bot comment that references the given
// workflow run id, or nil.
func CommentForRun(comments []Comment, runID int64) *Comment {
	for i := range comments {
		if comments[i].Origin.Bot() && comments[i].RunID == runID {
			return &comments[i]
		}
	}
	return nil
}

// LatestBotComment returns the newest comment authored by any pipeline
// identity (stage bots, PR creator, or deployment), or nil.
func LatestBotComment(comments []Comment) *Comment {
	for i := range comments {
		switch {
		case comments[i].Origin.Bot(),
			comments[i].Origin == OriginPRCreator,
			comments[i].Origin == OriginDeployment:
			return &comments[i]
		}
	}
	return nil
}

// Digest produces a short, single-line digest of a comment for display.
func (c *Comment) Digest() BotCommentDigest {
	excerpt := c.Body
	if idx := strings.IndexByte(excerpt, '\n'); idx >= 0 {
		excerpt = excerpt[:idx]
	}
	excerpt = strings.TrimSpace(excerpt)
	// Truncate on rune boundaries so multibyte text is never split.
	if runes := []rune(excerpt); len(runes) > 140 {
		excerpt = string(runes[:140]) + "…"
	}
	return BotCommentDigest{
		Author:    c.Author,
		Origin:    string(c.Origin),
		Excerpt:   excerpt,
		CreatedAt: c.CreatedAt,
	}
}
