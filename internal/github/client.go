// Package github fetches pull-request evidence from the GitHub API and maps
// it into the pipeline package's types. All synthesis logic lives in pipeline;
// this package only does I/O.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Sentinel errors for upstream failures a caller can act on.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("credentials rejected")
	ErrForbidden    = errors.New("access forbidden")
	ErrRateLimited  = errors.New("rate limit exhausted")
)

// Client wraps the GitHub REST and GraphQL clients for one repository.
// Uses go-github-ratelimit middleware for automatic rate limit handling.
type Client struct {
	rest    *gh.Client
	gqlOnce sync.Once
	gql     *githubv4.Client
	owner   string
	repo    string
	token   string
	gqlURL  string // override for testing
}

// NewClient creates a client for the given owner/repo.
func NewClient(owner, repo, token string) *Client {
	rateLimiter := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimiter).WithAuthToken(token)
	return &Client{
		rest:  client,
		owner: owner,
		repo:  repo,
		token: token,
	}
}

// Owner returns the repository owner the client is bound to.
func (c *Client) Owner() string { return c.owner }

// Repo returns the repository name the client is bound to.
func (c *Client) Repo() string { return c.repo }

// graphql returns (and lazily creates) the GitHub GraphQL client.
// Thread-safe via sync.Once.
func (c *Client) graphql(ctx context.Context) *githubv4.Client {
	c.gqlOnce.Do(func() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
		httpClient := oauth2.NewClient(ctx, ts)
		if c.gqlURL != "" {
			c.gql = githubv4.NewEnterpriseClient(c.gqlURL, httpClient)
			return
		}
		c.gql = githubv4.NewClient(httpClient)
	})
	return c.gql
}

// classify maps a go-github error to one of the sentinel errors above,
// wrapping so the original stays inspectable.
func classify(op string, err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, ErrForbidden, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
