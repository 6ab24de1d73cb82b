package repocache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/drewdunne/rebasebot/internal/metrics"
)

// Cleanup returns the clone to a pristine state: no rebase in progress, no
// untracked or modified files, HEAD detached at origin/<fallback>, and no
// local branches. Every gcCountdown-th call also runs git gc.
func (m *Manager) Cleanup(ctx context.Context, h *Handle) error {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if err := os.RemoveAll(filepath.Join(h.path, ".git", dir)); err != nil {
			return fmt.Errorf("discarding rebase state: %w", err)
		}
	}

	wt, err := h.git.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}

	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	branch := h.repo.FallbackBranch
	ref, err := h.git.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoFallbackBranch, branch, err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checking out origin/%s: %w", branch, err)
	}

	if err := deleteLocalBranches(h.git); err != nil {
		return err
	}

	return m.countdownGC(ctx, h)
}

func deleteLocalBranches(r *git.Repository) error {
	iter, err := r.Branches()
	if err != nil {
		return fmt.Errorf("listing branches: %w", err)
	}

	var names []plumbing.ReferenceName
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name())
		return nil
	}); err != nil {
		return fmt.Errorf("listing branches: %w", err)
	}

	for _, name := range names {
		if err := r.Storer.RemoveReference(name); err != nil {
			return fmt.Errorf("deleting branch %s: %w", name.Short(), err)
		}
	}
	return nil
}

// countdownGC decrements the clone's countdown and runs gc when it hits zero.
func (m *Manager) countdownGC(ctx context.Context, h *Handle) error {
	h.gcRemaining--
	if h.gcRemaining > 0 {
		return nil
	}
	h.gcRemaining = m.gcCountdown

	clog.FromContext(ctx).With("repo", h.repo.Key()).Info("Running git gc")
	if err := m.gc(ctx, h); err != nil {
		return fmt.Errorf("running gc: %w", err)
	}
	metrics.GitMaintenance("gc")
	return nil
}

func collectGarbage(ctx context.Context, h *Handle) error {
	if _, err := h.RunGit(ctx, "gc", "--prune=now"); err != nil {
		return err
	}
	return h.reopen()
}
