package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drewdunne/rebasebot/internal/provider"
)

// fakeConnector records every call and answers from its fields.
type fakeConnector struct {
	mu sync.Mutex

	prs         []provider.PullRequest
	listErr     error
	green       bool
	rebase      bool
	approved    bool
	latest      time.Time
	greenErr    error
	mergeErr    error
	calls       []string
	comments    []string
	merged      []int
	beforeGreen func(pr provider.PullRequest)
}

func (f *fakeConnector) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConnector) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) ListOpenPullRequests(context.Context) ([]provider.PullRequest, error) {
	f.record("list")
	return f.prs, f.listErr
}

func (f *fakeConnector) GreenBuildExists(_ context.Context, pr provider.PullRequest) (bool, error) {
	if f.beforeGreen != nil {
		f.beforeGreen(pr)
	}
	f.record("green")
	return f.green, f.greenErr
}

func (f *fakeConnector) IsApproved(context.Context, provider.PullRequest) (bool, error) {
	f.record("approved")
	return f.approved, nil
}

func (f *fakeConnector) RebaseNeeded(context.Context, provider.PullRequest) (bool, error) {
	f.record("rebaseNeeded")
	return f.rebase, nil
}

func (f *fakeConnector) Merge(_ context.Context, pr provider.PullRequest) error {
	f.record("merge")
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.mu.Lock()
	f.merged = append(f.merged, pr.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) AddComment(_ context.Context, _ provider.PullRequest, body string) error {
	f.record("comment")
	f.mu.Lock()
	f.comments = append(f.comments, body)
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) LatestUpdate(_ context.Context, pr provider.PullRequest) (provider.PullRequest, error) {
	f.record("latest")
	return pr.WithLastUpdate(f.latest), nil
}

// fakeRebaser returns a fixed answer and counts calls.
type fakeRebaser struct {
	mu     sync.Mutex
	result bool
	err    error
	calls  int
}

func (f *fakeRebaser) Rebase(context.Context, provider.Repository, provider.PullRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

// fakeFactory hands out connectors by repository name.
type fakeFactory struct {
	connectors map[string]*fakeConnector
}

func (f *fakeFactory) Connector(repo provider.Repository) (provider.Connector, error) {
	conn, ok := f.connectors[repo.Name]
	if !ok {
		return nil, errors.New("unknown repository " + repo.Name)
	}
	return conn, nil
}
