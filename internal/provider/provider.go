package provider

import "context"

// Connector defines the hosting-provider operations the reconciler needs
// for a single repository.
type Connector interface {
	// Name returns the provider name (github, gitlab, bitbucket).
	Name() string

	// ListOpenPullRequests returns all open change requests, in provider order.
	ListOpenPullRequests(ctx context.Context) ([]PullRequest, error)

	// GreenBuildExists reports whether CI has passed for the change request.
	GreenBuildExists(ctx context.Context, pr PullRequest) (bool, error)

	// IsApproved reports whether the change request satisfies the provider's review policy.
	IsApproved(ctx context.Context, pr PullRequest) (bool, error)

	// RebaseNeeded reports whether the source branch is behind the destination tip.
	RebaseNeeded(ctx context.Context, pr PullRequest) (bool, error)

	// Merge integrates the change request and closes its source branch.
	Merge(ctx context.Context, pr PullRequest) error

	// AddComment posts a comment on the change request.
	AddComment(ctx context.Context, pr PullRequest, body string) error

	// LatestUpdate re-reads the change request's version token.
	LatestUpdate(ctx context.Context, pr PullRequest) (PullRequest, error)
}
