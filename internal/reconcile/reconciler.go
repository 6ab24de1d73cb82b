// Package reconcile drives open pull requests toward being rebased and
// merged, one ordered decision per pull request and polling pass.
package reconcile

import (
	"context"
	"fmt"
	"regexp"

	"github.com/chainguard-dev/clog"

	"github.com/drewdunne/rebasebot/internal/changecache"
	"github.com/drewdunne/rebasebot/internal/metrics"
	"github.com/drewdunne/rebasebot/internal/provider"
)

// Action is what Reconcile decided for a pull request.
type Action string

const (
	ActionIgnored            Action = "ignored"
	ActionUnchanged          Action = "unchanged"
	ActionWaitingForBuild    Action = "waiting_for_build"
	ActionRebased            Action = "rebased"
	ActionConflict           Action = "conflict"
	ActionWaitingForApproval Action = "waiting_for_approval"
	ActionMerged             Action = "merged"
)

// DefaultConflictComment is posted when a rebase stops on conflicts. The
// destination branch is substituted for %s.
const DefaultConflictComment = "This pull request cannot be rebased onto `%s` automatically because of merge conflicts. Please rebase it manually."

// Rebaser rebases a pull request's source branch onto its destination.
type Rebaser interface {
	Rebase(ctx context.Context, repo provider.Repository, pr provider.PullRequest) (bool, error)
}

// Reconciler decides and performs the next step for single pull requests.
type Reconciler struct {
	cache    *changecache.Store
	rebaser  Rebaser
	branches *regexp.Regexp
	comment  string
}

// NewReconciler creates a reconciler. Only pull requests whose source branch
// matches branches are handled. An empty comment selects DefaultConflictComment.
func NewReconciler(cache *changecache.Store, rebaser Rebaser, branches *regexp.Regexp, comment string) *Reconciler {
	return &Reconciler{
		cache:    cache,
		rebaser:  rebaser,
		branches: branches,
		comment:  comment,
	}
}

// Reconcile runs the gates for pr in order and stops at the first one that
// applies: branch filter, unchanged since last pass, build, rebase,
// approval, merge.
func (r *Reconciler) Reconcile(ctx context.Context, conn provider.Connector, repo provider.Repository, pr provider.PullRequest) (Action, error) {
	action, err := r.reconcile(ctx, conn, repo, pr)
	if err == nil {
		metrics.PullRequestProcessed(string(action))
	}
	return action, err
}

func (r *Reconciler) reconcile(ctx context.Context, conn provider.Connector, repo provider.Repository, pr provider.PullRequest) (Action, error) {
	log := clog.FromContext(ctx).With("repo", repo.Key(), "pr", pr.ID)

	if !r.branches.MatchString(pr.Source) {
		log.Debugf("Ignoring %s, source branch does not match %s", pr, r.branches)
		return ActionIgnored, nil
	}

	if r.cache.IsHandled(repo, pr) {
		log.Infof("%s is unchanged since last run (last change: %s)", pr, r.cache.LastUpdate(repo, pr))
		return ActionUnchanged, nil
	}

	green, err := conn.GreenBuildExists(ctx, pr)
	if err != nil {
		return "", fmt.Errorf("checking build of %s: %w", pr, err)
	}
	if !green {
		log.Infof("Waiting for green build of %s", pr)
		r.cache.SetHandled(repo, pr)
		return ActionWaitingForBuild, nil
	}

	needed, err := conn.RebaseNeeded(ctx, pr)
	if err != nil {
		return "", fmt.Errorf("checking rebase state of %s: %w", pr, err)
	}
	if needed {
		return r.rebase(ctx, conn, repo, pr)
	}

	approved, err := conn.IsApproved(ctx, pr)
	if err != nil {
		return "", fmt.Errorf("checking approval of %s: %w", pr, err)
	}
	if !approved {
		log.Infof("Waiting for approval of %s", pr)
		r.cache.SetHandled(repo, pr)
		return ActionWaitingForApproval, nil
	}

	log.Infof("Merging %s", pr)
	if err := conn.Merge(ctx, pr); err != nil {
		return "", fmt.Errorf("merging %s: %w", pr, err)
	}
	log.Infof("Merged %s, forgetting %d cached pull requests of %s", pr, r.cache.Len(repo), repo)
	r.cache.ResetAllInRepo(repo)
	return ActionMerged, nil
}

func (r *Reconciler) rebase(ctx context.Context, conn provider.Connector, repo provider.Repository, pr provider.PullRequest) (Action, error) {
	rebased, err := r.rebaser.Rebase(ctx, repo, pr)
	if err != nil {
		return "", fmt.Errorf("rebasing %s: %w", pr, err)
	}
	if rebased {
		// the push changes the pull request, so the next pass sees a new token
		return ActionRebased, nil
	}

	if err := conn.AddComment(ctx, pr, r.conflictComment(pr)); err != nil {
		return "", fmt.Errorf("commenting on %s: %w", pr, err)
	}

	// The comment itself bumps the token; caching the pre-comment token
	// would make every later pass treat the pull request as changed.
	latest, err := conn.LatestUpdate(ctx, pr)
	if err != nil {
		return "", fmt.Errorf("refreshing %s: %w", pr, err)
	}
	r.cache.SetHandled(repo, latest)
	return ActionConflict, nil
}

func (r *Reconciler) conflictComment(pr provider.PullRequest) string {
	if r.comment != "" {
		return r.comment
	}
	return fmt.Sprintf(DefaultConflictComment, pr.Destination)
}
