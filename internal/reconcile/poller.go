package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/drewdunne/rebasebot/internal/metrics"
	"github.com/drewdunne/rebasebot/internal/provider"
)

// ConnectorFactory builds the connector for a repository.
type ConnectorFactory interface {
	Connector(repo provider.Repository) (provider.Connector, error)
}

// Poller runs polling passes over a fixed list of repositories. Each
// repository is handled by at most one worker at a time, so its clone and
// its cache entries have a single writer.
type Poller struct {
	repos      []provider.Repository
	connectors ConnectorFactory
	reconciler *Reconciler
	workers    int
	interval   time.Duration
	trigger    chan struct{}
}

// NewPoller creates a poller. Duplicate repositories are dropped; workers
// bounds how many repositories are processed in parallel.
func NewPoller(repos []provider.Repository, connectors ConnectorFactory, reconciler *Reconciler, workers int, interval time.Duration) *Poller {
	seen := make(map[provider.Repository]bool, len(repos))
	unique := make([]provider.Repository, 0, len(repos))
	for _, repo := range repos {
		if !seen[repo] {
			seen[repo] = true
			unique = append(unique, repo)
		}
	}
	if workers < 1 {
		workers = 1
	}

	return &Poller{
		repos:      unique,
		connectors: connectors,
		reconciler: reconciler,
		workers:    workers,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
	}
}

// Trigger requests a pass as soon as the current one (if any) finishes.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass immediately and then one pass per interval, measured
// from the end of the previous pass, until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	reason := "startup"
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.trigger:
			reason = "webhook"
			timer.Stop()
		}

		p.pass(ctx, reason)
		reason = "timer"
		timer.Reset(p.interval)
	}
}

// RunOnce performs a single pass and returns the number of repositories
// whose processing failed.
func (p *Poller) RunOnce(ctx context.Context) int {
	return p.pass(ctx, "once")
}

func (p *Poller) pass(ctx context.Context, reason string) int {
	log := clog.FromContext(ctx)
	start := time.Now()

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.workers)

	for _, repo := range p.repos {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := p.ReconcileRepository(ctx, repo); err != nil {
				clog.FromContext(ctx).With("repo", repo.Key()).Errorf("Processing %s failed: %v", repo, err)
				metrics.RepositoryFailed(repo.Key())
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	metrics.PassCompleted(reason, time.Since(start))
	log.Debugf("Pass (%s) over %d repositories done in %s", reason, len(p.repos), time.Since(start))
	return int(failed.Load())
}

// ReconcileRepository reconciles every open pull request of repo in the order
// the provider returns them. The first error ends the repository's pass.
func (p *Poller) ReconcileRepository(ctx context.Context, repo provider.Repository) error {
	log := clog.FromContext(ctx).With("repo", repo.Key())
	log.Debugf("Processing %s", repo)

	conn, err := p.connectors.Connector(repo)
	if err != nil {
		return fmt.Errorf("creating connector: %w", err)
	}

	prs, err := conn.ListOpenPullRequests(ctx)
	if err != nil {
		return fmt.Errorf("listing pull requests: %w", err)
	}

	for _, pr := range prs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.reconciler.Reconcile(ctx, conn, repo, pr); err != nil {
			return err
		}
	}

	log.Debugf("Processing done for %s", repo)
	return nil
}
