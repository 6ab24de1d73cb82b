// Package repocache owns one long-lived working clone per repository under
// the workspace and keeps it in a known-clean state between operations.
package repocache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/drewdunne/rebasebot/internal/metrics"
	"github.com/drewdunne/rebasebot/internal/provider"
)

// remoteURL resolves the clone URL of a repository. Tests override it to
// point at local directories.
var remoteURL = func(repo provider.Repository) string { return repo.GitURL() }

// Manager keeps a registry of working clones, one per repository.
// Operations on a single Handle must not run concurrently.
type Manager struct {
	workspace   string
	gcCountdown int

	// gc runs garbage collection on a clone; replaced in tests.
	gc func(ctx context.Context, h *Handle) error

	mu      sync.Mutex
	handles map[provider.Repository]*Handle
}

// Handle is an open working clone of one repository.
type Handle struct {
	repo        provider.Repository
	path        string
	git         *git.Repository
	auth        transport.AuthMethod
	gcRemaining int
}

// New creates a manager rooted at workspace that runs git gc every
// gcCountdown cleanups of a clone.
func New(workspace string, gcCountdown int) *Manager {
	if gcCountdown < 1 {
		gcCountdown = 1
	}
	return &Manager{
		workspace:   workspace,
		gcCountdown: gcCountdown,
		gc:          collectGarbage,
		handles:     make(map[provider.Repository]*Handle),
	}
}

// LocalPath returns <workspace>/<host>/<team>/<repo>.
func (m *Manager) LocalPath(repo provider.Repository) string {
	return filepath.Join(m.workspace, repo.Host(), repo.Team, repo.Name)
}

// Acquire returns the clone for repo, setting it up on first use. A fresh
// handle has already been cleaned once.
func (m *Manager) Acquire(ctx context.Context, repo provider.Repository) (*Handle, error) {
	m.mu.Lock()
	h, ok := m.handles[repo]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := m.setup(ctx, repo)
	if err != nil {
		return nil, err
	}

	if err := m.Cleanup(ctx, h); err != nil {
		return nil, fmt.Errorf("cleaning fresh clone: %w", err)
	}

	m.mu.Lock()
	m.handles[repo] = h
	m.mu.Unlock()

	return h, nil
}

// Prepare acquires the clone of every repository, as done once at startup.
// Failures are logged and skipped; Acquire retries them on first use. It
// returns the number of repositories that could not be prepared.
func (m *Manager) Prepare(ctx context.Context, repos []provider.Repository) int {
	failed := 0
	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.Acquire(ctx, repo); err != nil {
			clog.FromContext(ctx).With("repo", repo.Key()).Errorf("Preparing clone of %s failed: %v", repo, err)
			failed++
		}
	}
	return failed
}

// Forget drops the registered handle for repo so the next Acquire reopens it.
func (m *Manager) Forget(repo provider.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, repo)
}

func (m *Manager) setup(ctx context.Context, repo provider.Repository) (*Handle, error) {
	log := clog.FromContext(ctx).With("repo", repo.Key())

	path := m.LocalPath(repo)
	url := remoteURL(repo)
	auth := authFor(repo)

	var r *git.Repository
	if _, err := os.Stat(path); err == nil {
		r, err = git.PlainOpen(path)
		switch {
		case err != nil:
			log.Warnf("Failed to open existing clone at %s, deleting it: %v", path, err)
			r = nil
		case !originMatches(r, url):
			log.Warnf("Clone at %s points to the wrong remote, deleting it", path)
			r = nil
		default:
			log.Infof("Reusing existing clone at %s", path)
		}

		if r == nil {
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("removing stale clone: %w", err)
			}
			metrics.GitMaintenance("reclone")
		}
	}

	if r == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}

		log.Infof("Cloning %s into %s", url, path)
		cloned, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:        url,
			RemoteName: "origin",
			Auth:       auth,
		})
		if err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("cloning repository: %w", err)
		}
		r = cloned
		metrics.GitMaintenance("clone")
	}

	return &Handle{
		repo:        repo,
		path:        path,
		git:         r,
		auth:        auth,
		gcRemaining: m.gcCountdown,
	}, nil
}

func originMatches(r *git.Repository, url string) bool {
	origin, err := r.Remote("origin")
	if err != nil {
		return false
	}
	urls := origin.Config().URLs
	return len(urls) > 0 && urls[0] == url
}

// authFor returns basic auth for the repository's credential, or nil when
// no password is configured.
func authFor(repo provider.Repository) transport.AuthMethod {
	if repo.Pass == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: repo.User,
		Password: repo.Pass,
	}
}

// Path returns the working tree directory.
func (h *Handle) Path() string { return h.path }

// Git returns the open repository.
func (h *Handle) Git() *git.Repository { return h.git }

// Auth returns the credential used for fetch and push, possibly nil.
func (h *Handle) Auth() transport.AuthMethod { return h.auth }

// reopen replaces the open repository after an external command rewrote
// the object store.
func (h *Handle) reopen() error {
	r, err := git.PlainOpen(h.path)
	if err != nil {
		return fmt.Errorf("reopening clone: %w", err)
	}
	h.git = r
	return nil
}

// ErrNoFallbackBranch is returned when the remote-tracking ref of the
// fallback branch does not exist.
var ErrNoFallbackBranch = errors.New("fallback branch not found on remote")
