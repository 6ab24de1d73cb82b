package repocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/drewdunne/rebasebot/internal/provider"
)

func testRepository() provider.Repository {
	return provider.Repository{
		Type:           "github",
		GitHost:        "https://github.com",
		Team:           "test-team",
		Name:           "test-repo",
		FallbackBranch: "master",
	}
}

// useRemote points clones of every repository at dir for the test's duration.
func useRemote(t *testing.T, dir string) {
	t.Helper()
	remoteURL = func(provider.Repository) string { return dir }
	t.Cleanup(func() { remoteURL = func(repo provider.Repository) string { return repo.GitURL() } })
}

// initRemote creates a repository with a commit on master and a feature branch.
func initRemote(t *testing.T) (string, *git.Repository) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	commitFile(t, repo, "README.md", "# Test", "initial")

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	feature := plumbing.NewHashReference(plumbing.NewBranchReferenceName("feature/one"), head.Hash())
	if err := repo.Storer.SetReference(feature); err != nil {
		t.Fatalf("SetReference: %v", err)
	}
	return dir, repo
}

func commitFile(t *testing.T, repo *git.Repository, name, content, msg string) plumbing.Hash {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Filesystem.Root(), name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return hash
}

func localBranches(t *testing.T, r *git.Repository) []string {
	t.Helper()
	iter, err := r.Branches()
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	var names []string
	iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	return names
}

func TestManager_AcquireClones(t *testing.T) {
	remoteDir, remote := initRemote(t)
	useRemote(t, remoteDir)

	m := New(t.TempDir(), 20)
	repo := testRepository()

	h, err := m.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	wantPath := filepath.Join(m.workspace, "github.com", "test-team", "test-repo")
	if h.Path() != wantPath {
		t.Errorf("Path() = %q, want %q", h.Path(), wantPath)
	}

	head, err := h.Git().Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Name() != plumbing.HEAD {
		t.Errorf("HEAD should be detached, points to %s", head.Name())
	}
	remoteHead, _ := remote.Head()
	if head.Hash() != remoteHead.Hash() {
		t.Errorf("HEAD = %s, want %s", head.Hash(), remoteHead.Hash())
	}
	if branches := localBranches(t, h.Git()); len(branches) != 0 {
		t.Errorf("local branches = %v, want none", branches)
	}
	if h.gcRemaining != 19 {
		t.Errorf("gcRemaining = %d, want 19 after the initial cleanup", h.gcRemaining)
	}

	// the handle is reused
	h2, err := m.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() second call error = %v", err)
	}
	if h2 != h {
		t.Error("second Acquire() returned a different handle")
	}
}

func TestManager_AcquireReusesExistingClone(t *testing.T) {
	remoteDir, _ := initRemote(t)
	useRemote(t, remoteDir)

	workspace := t.TempDir()
	repo := testRepository()

	first := New(workspace, 20)
	h, err := first.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	marker := filepath.Join(h.Path(), ".git", "marker")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// a new process finds the clone on disk
	second := New(workspace, 20)
	if _, err := second.Acquire(context.Background(), repo); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("existing clone was not reused: %v", err)
	}
}

func TestManager_AcquireReclonesWrongRemote(t *testing.T) {
	remoteDir, _ := initRemote(t)
	useRemote(t, remoteDir)

	workspace := t.TempDir()
	repo := testRepository()
	m := New(workspace, 20)

	path := m.LocalPath(repo)
	stale, err := git.PlainInit(path, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if _, err := stale.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{"https://example.com/other.git"}}); err != nil {
		t.Fatalf("CreateRemote: %v", err)
	}

	h, err := m.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !originMatches(h.Git(), remoteDir) {
		t.Error("clone still points to the wrong remote")
	}
}

func TestManager_AcquireReclonesBrokenDirectory(t *testing.T) {
	remoteDir, _ := initRemote(t)
	useRemote(t, remoteDir)

	m := New(t.TempDir(), 20)
	repo := testRepository()

	path := m.LocalPath(repo)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "junk"), []byte("not a repo"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := m.Acquire(context.Background(), repo); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "junk")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("broken directory was not replaced, err = %v", err)
	}
}

func TestManager_AcquireCloneFailure(t *testing.T) {
	useRemote(t, filepath.Join(t.TempDir(), "missing"))

	m := New(t.TempDir(), 20)
	if _, err := m.Acquire(context.Background(), testRepository()); err == nil {
		t.Fatal("Acquire() expected error for unreachable remote")
	}
	if _, err := os.Stat(m.LocalPath(testRepository())); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("failed clone left a directory behind, err = %v", err)
	}
}

func TestManager_Forget(t *testing.T) {
	remoteDir, _ := initRemote(t)
	useRemote(t, remoteDir)

	m := New(t.TempDir(), 20)
	repo := testRepository()
	h, err := m.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	m.Forget(repo)

	h2, err := m.Acquire(context.Background(), repo)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if h2 == h {
		t.Error("Acquire() after Forget() returned the old handle")
	}
}

func TestManager_PrepareSkipsFailures(t *testing.T) {
	remoteDir, _ := initRemote(t)
	missing := filepath.Join(t.TempDir(), "missing")
	remoteURL = func(repo provider.Repository) string {
		if repo.Name == "broken" {
			return missing
		}
		return remoteDir
	}
	t.Cleanup(func() { remoteURL = func(repo provider.Repository) string { return repo.GitURL() } })

	good := testRepository()
	broken := testRepository()
	broken.Name = "broken"

	m := New(t.TempDir(), 20)
	if failed := m.Prepare(context.Background(), []provider.Repository{broken, good}); failed != 1 {
		t.Errorf("Prepare() failed = %d, want 1", failed)
	}

	if _, err := os.Stat(filepath.Join(m.LocalPath(good), ".git")); err != nil {
		t.Errorf("clone of %s missing: %v", good, err)
	}
}
