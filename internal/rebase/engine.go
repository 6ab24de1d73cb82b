// Package rebase replays a pull request's source branch onto its destination
// in the repository's local clone and force pushes the result.
package rebase

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/drewdunne/rebasebot/internal/metrics"
	"github.com/drewdunne/rebasebot/internal/provider"
	"github.com/drewdunne/rebasebot/internal/repocache"
)

// ErrUnexpectedRebase is returned when git fails in a way other than a conflict.
var ErrUnexpectedRebase = errors.New("unexpected rebase result")

// Identity is the committer recorded on rebased commits.
type Identity struct {
	Name  string
	Email string
}

// Engine performs rebases using clones from a repocache.Manager.
type Engine struct {
	clones   *repocache.Manager
	identity Identity
}

// New creates a rebase engine.
func New(clones *repocache.Manager, identity Identity) *Engine {
	return &Engine{
		clones:   clones,
		identity: identity,
	}
}

// Rebase rebases pr's source branch onto its destination and pushes it.
// It returns false when the rebase conflicts. The clone is cleaned up on
// every path; a cleanup failure is joined into the returned error.
func (e *Engine) Rebase(ctx context.Context, repo provider.Repository, pr provider.PullRequest) (rebased bool, err error) {
	log := clog.FromContext(ctx).With("repo", repo.Key(), "pr", pr.ID)

	h, err := e.clones.Acquire(ctx, repo)
	if err != nil {
		return false, fmt.Errorf("acquiring clone: %w", err)
	}

	defer func() {
		if cerr := e.clones.Cleanup(ctx, h); cerr != nil {
			// the next Acquire reopens and cleans the clone from scratch
			e.clones.Forget(repo)
			err = errors.Join(err, fmt.Errorf("cleaning up clone: %w", cerr))
		}
	}()

	if err := fetch(ctx, h); err != nil {
		return false, err
	}

	if err := checkoutSource(h, pr.Source); err != nil {
		return false, err
	}

	outcome := e.rebaseOnto(ctx, h, pr.Destination)
	metrics.RebaseFinished(outcome.Status.String())

	switch {
	case outcome.Status == UpToDate:
		log.Warnf("%s is already up to date with %s, no rebase was needed", pr, pr.Destination)
		return true, nil

	case outcome.Succeeded():
		if err := push(ctx, h, pr.Source); err != nil {
			return false, err
		}
		log.Infof("Rebased %s onto %s (%s)", pr, pr.Destination, outcome.Status)
		return true, nil

	case outcome.Status == Conflict:
		log.Infof("Rebase of %s onto %s has conflicts", pr, pr.Destination)
		if err := abort(ctx, h); err != nil {
			return false, err
		}
		return false, nil

	default:
		var abortErr error
		if h.RebaseInProgress() {
			abortErr = abort(ctx, h)
		}
		return false, errors.Join(fmt.Errorf("%w: %s: %s", ErrUnexpectedRebase, pr, outcome.Detail), abortErr)
	}
}

func fetch(ctx context.Context, h *repocache.Handle) error {
	err := h.Git().FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Prune:      true,
		Force:      true,
		Auth:       h.Auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching origin: %w", err)
	}
	return nil
}

// checkoutSource creates a local branch at origin/<branch> and checks it out.
func checkoutSource(h *repocache.Handle, branch string) error {
	r := h.Git()

	remote, err := r.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolving origin/%s: %w", branch, err)
	}

	local := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), remote.Hash())
	if err := r.Storer.SetReference(local); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: local.Name(), Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// rebaseOnto replays the checked out branch onto origin/<dest>. The outcome
// is classified from the commit graph before git runs and from the state git
// leaves behind when it fails.
func (e *Engine) rebaseOnto(ctx context.Context, h *repocache.Handle, dest string) Outcome {
	r := h.Git()

	head, err := r.Head()
	if err != nil {
		return unexpected(fmt.Sprintf("resolving HEAD: %v", err))
	}
	upstreamRef, err := r.Reference(plumbing.NewRemoteReferenceName("origin", dest), true)
	if err != nil {
		return unexpected(fmt.Sprintf("resolving origin/%s: %v", dest, err))
	}
	if head.Hash() == upstreamRef.Hash() {
		return Outcome{Status: UpToDate}
	}

	headCommit, err := r.CommitObject(head.Hash())
	if err != nil {
		return unexpected(fmt.Sprintf("reading %s: %v", head.Hash(), err))
	}
	upstreamCommit, err := r.CommitObject(upstreamRef.Hash())
	if err != nil {
		return unexpected(fmt.Sprintf("reading %s: %v", upstreamRef.Hash(), err))
	}

	contained, err := upstreamCommit.IsAncestor(headCommit)
	if err != nil {
		return unexpected(fmt.Sprintf("walking history: %v", err))
	}
	if contained {
		return Outcome{Status: UpToDate}
	}

	fastForward, err := headCommit.IsAncestor(upstreamCommit)
	if err != nil {
		return unexpected(fmt.Sprintf("walking history: %v", err))
	}

	output, err := h.RunGit(ctx,
		"-c", "user.name="+e.identity.Name,
		"-c", "user.email="+e.identity.Email,
		"rebase", upstreamRef.Name().String(),
	)
	if err != nil {
		if h.RebaseInProgress() {
			return Outcome{Status: Conflict, Detail: output}
		}
		return unexpected(output)
	}

	if fastForward {
		return Outcome{Status: FastForward}
	}
	return Outcome{Status: OK}
}

func abort(ctx context.Context, h *repocache.Handle) error {
	if _, err := h.RunGit(ctx, "rebase", "--abort"); err != nil {
		return fmt.Errorf("aborting rebase: %w", err)
	}
	return nil
}

func push(ctx context.Context, h *repocache.Handle, branch string) error {
	ref := plumbing.NewBranchReferenceName(branch)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))

	err := h.Git().PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Force:      true,
		Auth:       h.Auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("force pushing %s: %w", branch, err)
	}
	return nil
}
