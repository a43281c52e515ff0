package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shurcooL/githubv4"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

// Overall check states reported for a head commit.
const (
	ChecksPending = pipeline.ChecksPending
	ChecksSuccess = pipeline.ChecksSuccess
	ChecksFailure = pipeline.ChecksFailure
	ChecksNeutral = pipeline.ChecksNeutral
	ChecksUnknown = pipeline.ChecksUnknown
)

// OverallCheckState returns the aggregate check state for the PR's head
// commit. It asks the GraphQL statusCheckRollup first and falls back to
// aggregating the evidence's check list when the rollup is unavailable.
func (c *Client) OverallCheckState(ctx context.Context, number int, ev *pipeline.Evidence) string {
	state, err := c.statusCheckRollup(ctx, number)
	if err != nil {
		slog.Debug("status check rollup unavailable, aggregating locally", "pr", number, "error", err)
		return pipeline.OverallChecks(ev)
	}
	return state
}

func (c *Client) statusCheckRollup(ctx context.Context, number int) (string, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				Commits struct {
					Nodes []struct {
						Commit struct {
							StatusCheckRollup struct {
								State githubv4.String
							}
						}
					}
				} `graphql:"commits(last: 1)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(c.owner),
		"repo":   githubv4.String(c.repo),
		"number": githubv4.Int(number),
	}

	if err := c.graphql(ctx).Query(ctx, &query, vars); err != nil {
		return "", fmt.Errorf("query status check rollup: %w", err)
	}
	nodes := query.Repository.PullRequest.Commits.Nodes
	if len(nodes) == 0 {
		return "", fmt.Errorf("PR #%d has no commits", number)
	}

	switch strings.ToUpper(string(nodes[0].Commit.StatusCheckRollup.State)) {
	case "SUCCESS":
		return ChecksSuccess, nil
	case "FAILURE", "ERROR":
		return ChecksFailure, nil
	case "PENDING", "EXPECTED":
		return ChecksPending, nil
	}
	return ChecksUnknown, nil
}
