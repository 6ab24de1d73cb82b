package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	"github.com/drewdunne/rebasebot/internal/provider"
)

const defaultAPIHost = "https://api.github.com"

// Connector implements provider.Connector for one GitHub repository.
type Connector struct {
	client *github.Client
	owner  string
	repo   string
}

// Option configures the GitHub connector.
type Option func(*Connector)

// WithBaseURL sets a custom API base URL (GitHub Enterprise, tests).
func WithBaseURL(url string) Option {
	return func(c *Connector) {
		c.client.BaseURL, _ = c.client.BaseURL.Parse(strings.TrimSuffix(url, "/") + "/")
	}
}

// New creates a connector for repo, authenticating with the team password
// as a token.
func New(repo provider.Repository, opts ...Option) *Connector {
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: repo.Pass},
	))

	c := &Connector{
		client: github.NewClient(httpClient),
		owner:  repo.Team,
		repo:   repo.Name,
	}

	if repo.APIHost != "" && repo.APIHost != defaultAPIHost {
		WithBaseURL(repo.APIHost)(c)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider name.
func (c *Connector) Name() string {
	return "github"
}

// ListOpenPullRequests returns open pull requests whose head lives in this
// repository. Pull requests from forks cannot be pushed to and are skipped.
func (c *Connector) ListOpenPullRequests(ctx context.Context) ([]provider.PullRequest, error) {
	log := clog.FromContext(ctx)
	fullName := c.owner + "/" + c.repo

	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []provider.PullRequest
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests: %w", err)
		}

		for _, pr := range prs {
			if head := pr.GetHead().GetRepo(); head != nil && !strings.EqualFold(head.GetFullName(), fullName) {
				log.Infof("Ignoring external PR #%d from %s", pr.GetNumber(), head.GetFullName())
				continue
			}

			token, err := c.token(ctx, pr)
			if err != nil {
				return nil, err
			}

			result = append(result, provider.PullRequest{
				ID:          pr.GetNumber(),
				Title:       pr.GetTitle(),
				Description: pr.GetBody(),
				Author:      pr.GetUser().GetLogin(),
				Source:      pr.GetHead().GetRef(),
				Destination: pr.GetBase().GetRef(),
				LastUpdate:  token,
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// token is the newer of the pull request's updated_at and the completion of
// its latest check run. Check runs do not touch updated_at.
func (c *Connector) token(ctx context.Context, pr *github.PullRequest) (time.Time, error) {
	runs, err := c.checkRuns(ctx, pr.GetHead().GetSHA())
	if err != nil {
		return time.Time{}, err
	}

	times := []time.Time{pr.GetUpdatedAt().Time}
	for _, run := range runs {
		times = append(times, run.GetCompletedAt().Time)
	}
	return provider.Latest(times...), nil
}

func (c *Connector) checkRuns(ctx context.Context, sha string) ([]*github.CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []*github.CheckRun
	for {
		runs, resp, err := c.client.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs: %w", err)
		}
		all = append(all, runs.CheckRuns...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GreenBuildExists reports whether the head commit has at least one check
// run and every run has completed without failing.
func (c *Connector) GreenBuildExists(ctx context.Context, pr provider.PullRequest) (bool, error) {
	gh, _, err := c.client.PullRequests.Get(ctx, c.owner, c.repo, pr.ID)
	if err != nil {
		return false, fmt.Errorf("fetching pull request: %w", err)
	}

	runs, err := c.checkRuns(ctx, gh.GetHead().GetSHA())
	if err != nil {
		return false, err
	}
	if len(runs) == 0 {
		return false, nil
	}

	for _, run := range runs {
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			return false, nil
		}
	}
	return true, nil
}

// IsApproved reports whether at least one reviewer approved and nobody
// requests changes. Only each reviewer's latest decisive review counts;
// comments do not override an earlier approval, and the author is ignored.
func (c *Connector) IsApproved(ctx context.Context, pr provider.PullRequest) (bool, error) {
	states := make(map[int64]string)

	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.client.PullRequests.ListReviews(ctx, c.owner, c.repo, pr.ID, opts)
		if err != nil {
			return false, fmt.Errorf("listing reviews: %w", err)
		}

		for _, review := range reviews {
			user := review.GetUser()
			if user.GetLogin() == pr.Author {
				continue
			}
			state := review.GetState()
			if _, seen := states[user.GetID()]; state == "COMMENTED" && seen {
				continue
			}
			states[user.GetID()] = state
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	approved := false
	for _, state := range states {
		switch state {
		case "CHANGES_REQUESTED":
			return false, nil
		case "APPROVED":
			approved = true
		}
	}
	return approved, nil
}

// RebaseNeeded compares the commit the pull request branched off from with
// the current tip of the destination branch.
func (c *Connector) RebaseNeeded(ctx context.Context, pr provider.PullRequest) (bool, error) {
	base, err := c.lastCommonCommit(ctx, pr)
	if err != nil {
		return false, err
	}

	ref, _, err := c.client.Git.GetRef(ctx, c.owner, c.repo, "heads/"+pr.Destination)
	if err != nil {
		return false, fmt.Errorf("fetching head of %s: %w", pr.Destination, err)
	}

	return base != ref.GetObject().GetSHA(), nil
}

// lastCommonCommit returns the first parent of the pull request's commits
// that is not itself part of the pull request.
func (c *Connector) lastCommonCommit(ctx context.Context, pr provider.PullRequest) (string, error) {
	var commits []*github.RepositoryCommit

	opts := &github.ListOptions{PerPage: 100}
	for {
		page, resp, err := c.client.PullRequests.ListCommits(ctx, c.owner, c.repo, pr.ID, opts)
		if err != nil {
			return "", fmt.Errorf("listing commits: %w", err)
		}
		commits = append(commits, page...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	own := make(map[string]bool, len(commits))
	for _, commit := range commits {
		own[commit.GetSHA()] = true
	}
	for _, commit := range commits {
		for _, parent := range commit.Parents {
			if !own[parent.GetSHA()] {
				return parent.GetSHA(), nil
			}
		}
	}
	return "", errors.New("no base commit found for " + pr.String())
}

// Merge merges the pull request with a merge commit and deletes its branch.
func (c *Connector) Merge(ctx context.Context, pr provider.PullRequest) error {
	_, _, err := c.client.PullRequests.Merge(ctx, c.owner, c.repo, pr.ID, "", &github.PullRequestOptions{
		CommitTitle: pr.MergeCommitMessage(),
		MergeMethod: "merge",
	})
	if err != nil {
		return fmt.Errorf("merging pull request: %w", err)
	}

	if _, err := c.client.Git.DeleteRef(ctx, c.owner, c.repo, "heads/"+pr.Source); err != nil {
		// the branch may already be gone when the repository deletes head branches itself
		clog.FromContext(ctx).Warnf("Merged %s but could not delete branch %s: %v", pr, pr.Source, err)
	}
	return nil
}

// AddComment posts a comment on the pull request.
func (c *Connector) AddComment(ctx context.Context, pr provider.PullRequest, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, pr.ID, &github.IssueComment{
		Body: &body,
	})
	if err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	return nil
}

// LatestUpdate re-reads the pull request and its check runs.
func (c *Connector) LatestUpdate(ctx context.Context, pr provider.PullRequest) (provider.PullRequest, error) {
	gh, _, err := c.client.PullRequests.Get(ctx, c.owner, c.repo, pr.ID)
	if err != nil {
		return pr, fmt.Errorf("fetching pull request: %w", err)
	}

	token, err := c.token(ctx, gh)
	if err != nil {
		return pr, err
	}
	return pr.WithLastUpdate(token), nil
}
