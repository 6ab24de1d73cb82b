// Package changecache remembers the version token each pull request had the
// last time it was fully processed, so unchanged pull requests are skipped.
package changecache

import (
	"sync"
	"time"

	"github.com/drewdunne/rebasebot/internal/provider"
)

// NeverHandled is returned by LastUpdate for pull requests that have no entry.
var NeverHandled = time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)

// Store is an in-memory map of (repository, pull request id) to version token.
// It is safe for concurrent use; callers must still make sure only one worker
// processes a given repository at a time.
type Store struct {
	mu      sync.Mutex
	entries map[provider.Repository]map[int]time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[provider.Repository]map[int]time.Time),
	}
}

// SetHandled records pr's current version token, replacing any earlier one.
func (s *Store) SetHandled(repo provider.Repository, pr provider.PullRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.entries[repo]
	if !ok {
		byID = make(map[int]time.Time)
		s.entries[repo] = byID
	}
	byID[pr.ID] = pr.LastUpdate
}

// IsHandled reports whether pr was processed with exactly its current token.
func (s *Store) IsHandled(repo provider.Repository, pr provider.PullRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.entries[repo][pr.ID]
	return ok && last.Equal(pr.LastUpdate)
}

// LastUpdate returns the stored token for pr, or NeverHandled.
func (s *Store) LastUpdate(repo provider.Repository, pr provider.PullRequest) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.entries[repo][pr.ID]; ok {
		return last
	}
	return NeverHandled
}

// ResetAllInRepo forgets every pull request of repo.
func (s *Store) ResetAllInRepo(repo provider.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, repo)
}

// Len returns the number of cached pull requests for repo.
func (s *Store) Len(repo provider.Repository) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries[repo])
}
