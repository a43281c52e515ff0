package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/alanmeadows/vigil/internal/config"
	"github.com/alanmeadows/vigil/internal/github"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

var checkJSONFlag bool

func init() {
	checkCmd.Flags().BoolVar(&checkJSONFlag, "json", false, "Output the report as JSON")
}

var checkCmd = &cobra.Command{
	Use:   "check <number>",
	Short: "Synthesize the pipeline state of a PR once",
	Long: `Fetch the PR's workflow runs, bot comments, and deployment checks, then
print the synthesized pipeline state, the expected next action, and the
flattened check list.`,
	Example: `  vigil check 42
  vigil check 42 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := parsePRNumber(args[0])
		if err != nil {
			return err
		}

		fetcher, err := newFetcher(appConfig)
		if err != nil {
			return err
		}

		ev, err := fetcher.Snapshot(cmd.Context(), number)
		var partial *github.PartialError
		if err != nil && !errors.As(err, &partial) {
			return fmt.Errorf("fetching PR %d: %w", number, err)
		}
		if partial != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: partial evidence (%v unavailable)\n", partial.Sections)
		}

		report := pipeline.BuildReport(ev, 0, appConfig.Polling.MaxAttempts, time.Now())

		if checkJSONFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		}
		renderReport(cmd.OutOrStdout(), report)
		return nil
	},
}

// newFetcher builds the evidence fetcher from config, validating what it needs.
func newFetcher(cfg *config.Config) (*github.Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rules, err := pipeline.LoadRuleTable(cfg.Pipeline.RulesFile, cfg.Pipeline.BotIdentities())
	if err != nil {
		return nil, fmt.Errorf("loading classifier rules: %w", err)
	}
	client := github.NewClient(cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Token)
	return github.NewFetcher(client, cfg.Pipeline.StageWorkflows(), rules, cfg.Pipeline.DeployProvider()), nil
}

func parsePRNumber(arg string) (int, error) {
	number, err := strconv.Atoi(arg)
	if err != nil || number <= 0 {
		return 0, fmt.Errorf("invalid PR number %q", arg)
	}
	return number, nil
}

var severityStyles = map[pipeline.Severity]lipgloss.Style{
	pipeline.SeveritySuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	pipeline.SeverityError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	pipeline.SeverityWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	pipeline.SeverityLoading: lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
	pipeline.SeverityInfo:    lipgloss.NewStyle().Bold(true),
}

func stateStyle(severity pipeline.Severity) lipgloss.Style {
	if style, ok := severityStyles[severity]; ok {
		return style
	}
	return severityStyles[pipeline.SeverityInfo]
}

func renderReport(w io.Writer, report pipeline.Report) {
	d := report.Decision

	fmt.Fprintf(w, "PR #%d — %s\n", report.PR.Number, report.PR.Title)
	fmt.Fprintf(w, "State:   %s\n", stateStyle(d.Severity).Render(string(d.State)))
	fmt.Fprintf(w, "Summary: %s\n", d.Summary)
	if d.NextAction != pipeline.ActionNone {
		fmt.Fprintf(w, "Next:    %s\n", d.NextAction)
	}
	if report.PreviewURL != "" {
		fmt.Fprintf(w, "Preview: %s\n", report.PreviewURL)
	}
	if c := d.LastBotComment; c != nil {
		fmt.Fprintf(w, "Last bot report (%s): %s\n", c.Author, c.Excerpt)
	}

	if len(report.Checks) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderChecksTable(report.Checks))
	}

	if d.State.Terminal() {
		fmt.Fprintln(w, "Polling complete.")
	} else {
		fmt.Fprintf(w, "Pipeline still in progress (stage: %s).\n", d.ActiveStage)
	}
}

func renderChecksTable(checks []pipeline.CheckSummary) *table.Table {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, 0, len(checks))
	for _, c := range checks {
		rows = append(rows, []string{
			c.Name,
			c.Status,
			c.Conclusion,
			checkDuration(c),
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CHECK", "STATUS", "CONCLUSION", "DURATION").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func checkDuration(c pipeline.CheckSummary) string {
	if c.StartedAt == nil || c.CompletedAt == nil {
		return ""
	}
	return c.CompletedAt.Sub(*c.StartedAt).Round(time.Second).String()
}
