package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gh "github.com/google/go-github/v82/github"
	"golang.org/x/sync/errgroup"

	"github.com/alanmeadows/vigil/internal/pipeline"
)

// maxRunPages caps workflow-run pagination. Three pages of 100 cover far more
// history than any live pipeline produces for one branch.
const maxRunPages = 3

// PartialError reports evidence sections that could not be fetched. The
// snapshot it accompanies is still usable; the named sections are empty.
type PartialError struct {
	Sections []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial evidence: failed to fetch %s", strings.Join(e.Sections, ", "))
}

// Fetcher assembles complete evidence snapshots for synthesis.
type Fetcher struct {
	client    *Client
	workflows pipeline.StageWorkflows
	rules     pipeline.RuleTable
	deploy    pipeline.DeployProvider
}

// NewFetcher creates a fetcher with the given categorization tables.
func NewFetcher(client *Client, workflows pipeline.StageWorkflows, rules pipeline.RuleTable, deploy pipeline.DeployProvider) *Fetcher {
	return &Fetcher{
		client:    client,
		workflows: workflows,
		rules:     rules,
		deploy:    deploy,
	}
}

// Snapshot fetches all evidence for one PR. The PR itself must resolve or the
// call fails with a classified error; the remaining sections are fetched
// concurrently and degrade to empty on failure, reported via PartialError so
// the caller can synthesize anyway.
func (f *Fetcher) Snapshot(ctx context.Context, number int) (*pipeline.Evidence, error) {
	if number <= 0 {
		return nil, fmt.Errorf("invalid PR number %d", number)
	}

	owner, repo := f.client.owner, f.client.repo
	ghPR, _, err := f.client.rest.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify(fmt.Sprintf("get PR %s/%s#%d", owner, repo, number), err)
	}
	pr := mapPR(ghPR)

	var (
		mu      sync.Mutex
		partial []string
		runs    []pipeline.WorkflowRun
		rawCmts []pipeline.Comment
		suites  []pipeline.CheckSuite
	)
	degrade := func(section string, err error) {
		slog.Warn("evidence fetch degraded", "section", section, "pr", number, "error", err)
		mu.Lock()
		partial = append(partial, section)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		got, err := f.fetchRuns(gctx, pr)
		if err != nil {
			degrade("runs", err)
			return nil
		}
		runs = got
		return nil
	})
	g.Go(func() error {
		got, err := f.fetchComments(gctx, number)
		if err != nil {
			degrade("comments", err)
			return nil
		}
		rawCmts = got
		return nil
	})
	g.Go(func() error {
		got, err := f.fetchCheckSuites(gctx, pr.HeadSHA)
		if err != nil {
			degrade("checks", err)
			return nil
		}
		suites = got
		return nil
	})
	g.Wait()

	ev := &pipeline.Evidence{
		PR:         pr,
		Runs:       pipeline.Categorize(runs, f.workflows),
		Comments:   f.rules.ClassifyAll(rawCmts),
		Deployment: pipeline.ResolveDeployment(suites, f.deploy),
	}
	if len(partial) > 0 {
		return ev, &PartialError{Sections: partial}
	}
	return ev, nil
}

// fetchRuns lists the branch's workflow runs and hydrates the pipeline-stage
// ones with their jobs and artifacts. Runs of unrelated workflows are dropped
// here so the hydration fan-out stays bounded.
func (f *Fetcher) fetchRuns(ctx context.Context, pr pipeline.PullRequestInfo) ([]pipeline.WorkflowRun, error) {
	owner, repo := f.client.owner, f.client.repo

	var raw []*gh.WorkflowRun
	opts := &gh.ListWorkflowRunsOptions{
		Branch:      pr.HeadBranch,
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for page := 0; page < maxRunPages; page++ {
		result, resp, err := f.client.rest.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify("list workflow runs", err)
		}
		raw = append(raw, result.WorkflowRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	var runs []pipeline.WorkflowRun
	for _, r := range raw {
		run := mapRun(r)
		if !f.workflows.PipelineRun(&run) {
			continue
		}
		g.Go(func() error {
			f.hydrateRun(gctx, &run)
			mu.Lock()
			runs = append(runs, run)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return runs, nil
}

// hydrateRun attaches jobs and artifacts to a run. A failed nested fetch
// leaves the field empty rather than poisoning the whole snapshot.
func (f *Fetcher) hydrateRun(ctx context.Context, run *pipeline.WorkflowRun) {
	owner, repo := f.client.owner, f.client.repo

	jobs, _, err := f.client.rest.Actions.ListWorkflowJobs(ctx, owner, repo, run.ID, &gh.ListWorkflowJobsOptions{
		Filter:      "latest",
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		slog.Warn("failed to list run jobs", "run", run.ID, "error", err)
	} else {
		for _, j := range jobs.Jobs {
			run.Jobs = append(run.Jobs, pipeline.Job{
				ID:          j.GetID(),
				Name:        j.GetName(),
				Status:      j.GetStatus(),
				Conclusion:  j.GetConclusion(),
				URL:         j.GetHTMLURL(),
				StartedAt:   j.GetStartedAt().Time,
				CompletedAt: j.GetCompletedAt().Time,
			})
		}
	}

	artifacts, _, err := f.client.rest.Actions.ListWorkflowRunArtifacts(ctx, owner, repo, run.ID, &gh.ListOptions{PerPage: 100})
	if err != nil {
		slog.Warn("failed to list run artifacts", "run", run.ID, "error", err)
		return
	}
	for _, a := range artifacts.Artifacts {
		run.Artifacts = append(run.Artifacts, pipeline.Artifact{
			ID:        a.GetID(),
			Name:      a.GetName(),
			SizeBytes: a.GetSizeInBytes(),
			Expired:   a.GetExpired(),
			ExpiresAt: a.GetExpiresAt().Time,
		})
	}
}

// fetchComments lists all issue comments on the PR, oldest first as the API
// returns them; ClassifyAll re-sorts.
func (f *Fetcher) fetchComments(ctx context.Context, number int) ([]pipeline.Comment, error) {
	owner, repo := f.client.owner, f.client.repo

	var comments []pipeline.Comment
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := f.client.rest.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify("list comments", err)
		}
		for _, c := range page {
			comments = append(comments, pipeline.Comment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				AuthorBot: c.GetUser().GetType() == "Bot",
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
				UpdatedAt: c.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// fetchCheckSuites lists the head commit's check suites. Only the deployment
// provider's suite gets its check runs hydrated; the rest are carried as bare
// suites for the rollup fallback.
func (f *Fetcher) fetchCheckSuites(ctx context.Context, headSHA string) ([]pipeline.CheckSuite, error) {
	owner, repo := f.client.owner, f.client.repo

	result, _, err := f.client.rest.Checks.ListCheckSuitesForRef(ctx, owner, repo, headSHA, &gh.ListCheckSuiteOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify("list check suites", err)
	}

	var suites []pipeline.CheckSuite
	for _, s := range result.CheckSuites {
		suite := pipeline.CheckSuite{
			ID:         s.GetID(),
			AppSlug:    s.GetApp().GetSlug(),
			Status:     s.GetStatus(),
			Conclusion: s.GetConclusion(),
			HeadSHA:    s.GetHeadSHA(),
		}
		if suite.AppSlug == f.deploy.AppSlug {
			suite.CheckRuns = f.fetchSuiteCheckRuns(ctx, suite.ID)
		}
		suites = append(suites, suite)
	}
	return suites, nil
}

func (f *Fetcher) fetchSuiteCheckRuns(ctx context.Context, suiteID int64) []pipeline.CheckRun {
	owner, repo := f.client.owner, f.client.repo

	result, _, err := f.client.rest.Checks.ListCheckRunsCheckSuite(ctx, owner, repo, suiteID, &gh.ListCheckRunsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		slog.Warn("failed to list suite check runs", "suite", suiteID, "error", err)
		return nil
	}

	var runs []pipeline.CheckRun
	for _, cr := range result.CheckRuns {
		runs = append(runs, pipeline.CheckRun{
			ID:          cr.GetID(),
			Name:        cr.GetName(),
			Status:      cr.GetStatus(),
			Conclusion:  cr.GetConclusion(),
			DetailsURL:  cr.GetDetailsURL(),
			URL:         cr.GetHTMLURL(),
			Summary:     cr.GetOutput().GetSummary(),
			StartedAt:   cr.GetStartedAt().Time,
			CompletedAt: cr.GetCompletedAt().Time,
		})
	}
	return runs
}

func mapPR(pr *gh.PullRequest) pipeline.PullRequestInfo {
	return pipeline.PullRequestInfo{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		State:      pr.GetState(),
		Merged:     pr.GetMerged(),
		HeadBranch: pr.GetHead().GetRef(),
		HeadSHA:    pr.GetHead().GetSHA(),
		BaseBranch: pr.GetBase().GetRef(),
		URL:        pr.GetHTMLURL(),
		Author:     pr.GetUser().GetLogin(),
		CreatedAt:  pr.GetCreatedAt().Time,
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
}

func mapRun(r *gh.WorkflowRun) pipeline.WorkflowRun {
	return pipeline.WorkflowRun{
		ID:         r.GetID(),
		Name:       r.GetName(),
		Path:       r.GetPath(),
		Status:     r.GetStatus(),
		Conclusion: r.GetConclusion(),
		HeadBranch: r.GetHeadBranch(),
		HeadSHA:    r.GetHeadSHA(),
		Attempt:    r.GetRunAttempt(),
		URL:        r.GetHTMLURL(),
		CreatedAt:  r.GetCreatedAt().Time,
		UpdatedAt:  r.GetUpdatedAt().Time,
	}
}
