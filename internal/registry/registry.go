// Package registry maps hosting types to connector constructors.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/drewdunne/rebasebot/internal/provider"
	"github.com/drewdunne/rebasebot/internal/provider/bitbucket"
	"github.com/drewdunne/rebasebot/internal/provider/github"
	"github.com/drewdunne/rebasebot/internal/provider/gitlab"
)

// ErrUnknownProvider is returned for repositories of an unregistered type.
var ErrUnknownProvider = errors.New("unknown provider")

// Factory builds the connector for one repository.
type Factory func(repo provider.Repository) (provider.Connector, error)

// Registry manages connector factories and the connectors built from them.
type Registry struct {
	mu         sync.Mutex
	factories  map[string]Factory
	connectors map[provider.Repository]provider.Connector
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		connectors: make(map[provider.Repository]provider.Connector),
	}
}

// Default returns a registry with the github, gitlab and bitbucket
// connectors registered.
func Default() *Registry {
	r := New()
	r.Register("github", func(repo provider.Repository) (provider.Connector, error) {
		return github.New(repo), nil
	})
	r.Register("gitlab", func(repo provider.Repository) (provider.Connector, error) {
		conn, err := gitlab.New(repo)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	r.Register("bitbucket", func(repo provider.Repository) (provider.Connector, error) {
		return bitbucket.New(repo), nil
	})
	return r
}

// Register adds or replaces the factory for a hosting type.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Connector returns the connector for repo, building it on first use.
func (r *Registry) Connector(repo provider.Repository) (provider.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connectors[repo]; ok {
		return conn, nil
	}

	f, ok := r.factories[repo.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, repo.Type)
	}
	conn, err := f(repo)
	if err != nil {
		return nil, fmt.Errorf("creating %s connector: %w", repo.Type, err)
	}
	r.connectors[repo] = conn
	return conn, nil
}

// List returns the registered hosting types in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
