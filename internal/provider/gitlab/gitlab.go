package gitlab

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/xanzy/go-gitlab"

	"github.com/drewdunne/rebasebot/internal/provider"
)

// Connector implements provider.Connector for one GitLab project.
type Connector struct {
	client  *gitlab.Client
	token   string
	project string
}

// Option configures the GitLab connector.
type Option func(*Connector) error

// WithBaseURL sets a custom base URL (self-hosted instances, tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Connector) error {
		client, err := gitlab.NewClient(c.token, gitlab.WithBaseURL(baseURL))
		if err != nil {
			return fmt.Errorf("creating gitlab client: %w", err)
		}
		c.client = client
		return nil
	}
}

// New creates a connector for repo. The team password is used as a
// personal or project access token.
func New(repo provider.Repository, opts ...Option) (*Connector, error) {
	c := &Connector{
		token:   repo.Pass,
		project: repo.Team + "/" + repo.Name,
	}

	if repo.APIHost != "" {
		opts = append([]Option{WithBaseURL(repo.APIHost)}, opts...)
	} else {
		client, err := gitlab.NewClient(c.token)
		if err != nil {
			return nil, fmt.Errorf("creating gitlab client: %w", err)
		}
		c.client = client
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Name returns the provider name.
func (c *Connector) Name() string {
	return "gitlab"
}

// ListOpenPullRequests returns opened merge requests whose source branch
// lives in this project.
func (c *Connector) ListOpenPullRequests(ctx context.Context) ([]provider.PullRequest, error) {
	log := clog.FromContext(ctx)

	opts := &gitlab.ListProjectMergeRequestsOptions{
		State:       gitlab.Ptr("opened"),
		ListOptions: gitlab.ListOptions{PerPage: 100},
	}

	var result []provider.PullRequest
	for {
		mrs, resp, err := c.client.MergeRequests.ListProjectMergeRequests(c.project, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("listing merge requests: %w", err)
		}

		for _, mr := range mrs {
			if mr.SourceProjectID != mr.ProjectID {
				log.Infof("Ignoring external MR !%d from project %d", mr.IID, mr.SourceProjectID)
				continue
			}

			pr := provider.PullRequest{
				ID:          mr.IID,
				Title:       mr.Title,
				Description: mr.Description,
				Source:      mr.SourceBranch,
				Destination: mr.TargetBranch,
			}
			if mr.Author != nil {
				pr.Author = mr.Author.Username
			}

			latest, err := c.LatestUpdate(ctx, pr)
			if err != nil {
				return nil, err
			}
			result = append(result, latest)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func (c *Connector) mergeRequest(ctx context.Context, iid int) (*gitlab.MergeRequest, error) {
	mr, _, err := c.client.MergeRequests.GetMergeRequest(c.project, iid, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching merge request: %w", err)
	}
	return mr, nil
}

// GreenBuildExists reports whether the head pipeline succeeded.
func (c *Connector) GreenBuildExists(ctx context.Context, pr provider.PullRequest) (bool, error) {
	mr, err := c.mergeRequest(ctx, pr.ID)
	if err != nil {
		return false, err
	}
	return mr.HeadPipeline != nil && mr.HeadPipeline.Status == "success", nil
}

// IsApproved reports whether the approval rules are satisfied by at least
// one approver.
func (c *Connector) IsApproved(ctx context.Context, pr provider.PullRequest) (bool, error) {
	approvals, _, err := c.client.MergeRequestApprovals.GetConfiguration(c.project, pr.ID, gitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetching approvals: %w", err)
	}
	return approvals.Approved && len(approvals.ApprovedBy) > 0, nil
}

// RebaseNeeded compares the merge base of the merge request with the
// current tip of the target branch.
func (c *Connector) RebaseNeeded(ctx context.Context, pr provider.PullRequest) (bool, error) {
	mr, err := c.mergeRequest(ctx, pr.ID)
	if err != nil {
		return false, err
	}

	branch, _, err := c.client.Branches.GetBranch(c.project, pr.Destination, gitlab.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("fetching branch %s: %w", pr.Destination, err)
	}
	if branch.Commit == nil {
		return false, fmt.Errorf("branch %s has no commit", pr.Destination)
	}

	return mr.DiffRefs.BaseSha != branch.Commit.ID, nil
}

// Merge accepts the merge request and removes its source branch.
func (c *Connector) Merge(ctx context.Context, pr provider.PullRequest) error {
	_, _, err := c.client.MergeRequests.AcceptMergeRequest(c.project, pr.ID, &gitlab.AcceptMergeRequestOptions{
		MergeCommitMessage:       gitlab.Ptr(pr.MergeCommitMessage()),
		ShouldRemoveSourceBranch: gitlab.Ptr(true),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("accepting merge request: %w", err)
	}
	return nil
}

// AddComment posts a note on the merge request.
func (c *Connector) AddComment(ctx context.Context, pr provider.PullRequest, body string) error {
	_, _, err := c.client.Notes.CreateMergeRequestNote(c.project, pr.ID, &gitlab.CreateMergeRequestNoteOptions{
		Body: &body,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("posting note: %w", err)
	}
	return nil
}

// LatestUpdate returns pr with the newer of the merge request's and its
// head pipeline's update time.
func (c *Connector) LatestUpdate(ctx context.Context, pr provider.PullRequest) (provider.PullRequest, error) {
	mr, err := c.mergeRequest(ctx, pr.ID)
	if err != nil {
		return pr, err
	}

	var times []time.Time
	if mr.UpdatedAt != nil {
		times = append(times, *mr.UpdatedAt)
	}
	if mr.HeadPipeline != nil && mr.HeadPipeline.UpdatedAt != nil {
		times = append(times, *mr.HeadPipeline.UpdatedAt)
	}
	return pr.WithLastUpdate(provider.Latest(times...)), nil
}
