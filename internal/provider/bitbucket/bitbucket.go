// Package bitbucket implements the Bitbucket Cloud 2.0 connector.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/drewdunne/rebasebot/internal/provider"
)

const defaultAPIHost = "https://api.bitbucket.org"

// Connector implements provider.Connector for one Bitbucket repository.
type Connector struct {
	client   *retryablehttp.Client
	baseURL  string
	user     string
	password string
}

// Option configures the Bitbucket connector.
type Option func(*Connector)

// WithBaseURL sets a custom API host (tests).
func WithBaseURL(url string) Option {
	return func(c *Connector) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// New creates a connector for repo using basic authentication.
func New(repo provider.Repository, opts ...Option) *Connector {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3

	apiHost := repo.APIHost
	if apiHost == "" {
		apiHost = defaultAPIHost
	}

	c := &Connector{
		client:   client,
		user:     repo.User,
		password: repo.Pass,
	}
	WithBaseURL(apiHost)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL += "/2.0/repositories/" + repo.Team + "/" + repo.Name

	return c
}

// Name returns the provider name.
func (c *Connector) Name() string {
	return "bitbucket"
}

type branchRef struct {
	Branch struct {
		Name string `json:"name"`
	} `json:"branch"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type pullRequest struct {
	ID          int       `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	UpdatedOn   time.Time `json:"updated_on"`
	Author      struct {
		Nickname string `json:"nickname"`
	} `json:"author"`
	Source       branchRef `json:"source"`
	Destination  branchRef `json:"destination"`
	Participants []struct {
		Approved bool `json:"approved"`
	} `json:"participants"`
}

type page[T any] struct {
	Values []T    `json:"values"`
	Next   string `json:"next"`
}

type status struct {
	State     string    `json:"state"`
	UpdatedOn time.Time `json:"updated_on"`
}

type commit struct {
	Hash    string `json:"hash"`
	Parents []struct {
		Hash string `json:"hash"`
	} `json:"parents"`
}

func (c *Connector) do(ctx context.Context, method, url string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	if !strings.HasPrefix(url, "http") {
		url = c.baseURL + url
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// send retries GET requests only. Comments and merges are sent once so a
// gateway error after Bitbucket accepted them cannot post them twice.
func (c *Connector) send(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return c.client.HTTPClient.Do(req)
	}
	retryable, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return c.client.Do(retryable)
}

func requestPath(pr provider.PullRequest) string {
	return fmt.Sprintf("/pullrequests/%d", pr.ID)
}

// ListOpenPullRequests returns open pull requests whose source branch lives
// in this repository.
func (c *Connector) ListOpenPullRequests(ctx context.Context) ([]provider.PullRequest, error) {
	log := clog.FromContext(ctx)

	var result []provider.PullRequest
	url := "/pullrequests?state=OPEN&pagelen=50"
	for url != "" {
		var p page[pullRequest]
		if err := c.do(ctx, http.MethodGet, url, nil, &p); err != nil {
			return nil, fmt.Errorf("listing pull requests: %w", err)
		}

		for _, bp := range p.Values {
			if bp.Source.Repository.FullName != "" && bp.Source.Repository.FullName != bp.Destination.Repository.FullName {
				log.Infof("Ignoring external PR #%d from %s", bp.ID, bp.Source.Repository.FullName)
				continue
			}

			pr := provider.PullRequest{
				ID:          bp.ID,
				Title:       bp.Title,
				Description: bp.Description,
				Author:      bp.Author.Nickname,
				Source:      bp.Source.Branch.Name,
				Destination: bp.Destination.Branch.Name,
			}
			latest, err := c.token(ctx, pr, bp.UpdatedOn)
			if err != nil {
				return nil, err
			}
			result = append(result, pr.WithLastUpdate(latest))
		}
		url = p.Next
	}

	return result, nil
}

func (c *Connector) statuses(ctx context.Context, pr provider.PullRequest) ([]status, error) {
	var all []status
	url := requestPath(pr) + "/statuses"
	for url != "" {
		var p page[status]
		if err := c.do(ctx, http.MethodGet, url, nil, &p); err != nil {
			return nil, fmt.Errorf("fetching statuses: %w", err)
		}
		all = append(all, p.Values...)
		url = p.Next
	}
	return all, nil
}

// token is the newer of the pull request's and its build statuses' update
// times, so a finished build counts as a change.
func (c *Connector) token(ctx context.Context, pr provider.PullRequest, updatedOn time.Time) (time.Time, error) {
	statuses, err := c.statuses(ctx, pr)
	if err != nil {
		return time.Time{}, err
	}
	times := []time.Time{updatedOn}
	for _, s := range statuses {
		times = append(times, s.UpdatedOn)
	}
	return provider.Latest(times...), nil
}

// GreenBuildExists reports whether any build status is SUCCESSFUL.
func (c *Connector) GreenBuildExists(ctx context.Context, pr provider.PullRequest) (bool, error) {
	statuses, err := c.statuses(ctx, pr)
	if err != nil {
		return false, err
	}
	for _, s := range statuses {
		if s.State == "SUCCESSFUL" {
			return true, nil
		}
	}
	return false, nil
}

// IsApproved reports whether any participant approved.
func (c *Connector) IsApproved(ctx context.Context, pr provider.PullRequest) (bool, error) {
	var bp pullRequest
	if err := c.do(ctx, http.MethodGet, requestPath(pr), nil, &bp); err != nil {
		return false, fmt.Errorf("fetching pull request: %w", err)
	}
	for _, p := range bp.Participants {
		if p.Approved {
			return true, nil
		}
	}
	return false, nil
}

// RebaseNeeded compares the parent of the pull request's oldest commit with
// the tip of the destination branch.
func (c *Connector) RebaseNeeded(ctx context.Context, pr provider.PullRequest) (bool, error) {
	base, err := c.lastParentCommit(ctx, pr)
	if err != nil {
		return false, err
	}

	var branch struct {
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
	if err := c.do(ctx, http.MethodGet, "/refs/branches/"+pr.Destination, nil, &branch); err != nil {
		return false, fmt.Errorf("fetching branch %s: %w", pr.Destination, err)
	}

	return base != branch.Target.Hash, nil
}

// lastParentCommit follows the commit pages to the last one; commits are
// listed newest first, so its last entry is the oldest commit.
func (c *Connector) lastParentCommit(ctx context.Context, pr provider.PullRequest) (string, error) {
	var last page[commit]
	url := requestPath(pr) + "/commits"
	for url != "" {
		last = page[commit]{}
		if err := c.do(ctx, http.MethodGet, url, nil, &last); err != nil {
			return "", fmt.Errorf("fetching commits: %w", err)
		}
		url = last.Next
	}

	if len(last.Values) == 0 {
		return "", fmt.Errorf("%s has no commits", pr)
	}
	oldest := last.Values[len(last.Values)-1]
	if len(oldest.Parents) == 0 {
		return "", fmt.Errorf("commit %s has no parent", oldest.Hash)
	}
	return oldest.Parents[0].Hash, nil
}

// Merge merges the pull request with a merge commit and closes the source
// branch.
func (c *Connector) Merge(ctx context.Context, pr provider.PullRequest) error {
	body := map[string]interface{}{
		"close_source_branch": true,
		"message":             pr.MergeCommitMessage(),
		"merge_strategy":      "merge_commit",
	}
	if err := c.do(ctx, http.MethodPost, requestPath(pr)+"/merge", body, nil); err != nil {
		return fmt.Errorf("merging: %w", err)
	}
	return nil
}

// AddComment posts a comment on the pull request.
func (c *Connector) AddComment(ctx context.Context, pr provider.PullRequest, body string) error {
	payload := map[string]interface{}{
		"content": map[string]string{"raw": body},
	}
	if err := c.do(ctx, http.MethodPost, requestPath(pr)+"/comments", payload, nil); err != nil {
		return fmt.Errorf("posting comment: %w", err)
	}
	return nil
}

// LatestUpdate returns pr with its current version token.
func (c *Connector) LatestUpdate(ctx context.Context, pr provider.PullRequest) (provider.PullRequest, error) {
	var bp pullRequest
	if err := c.do(ctx, http.MethodGet, requestPath(pr), nil, &bp); err != nil {
		return pr, fmt.Errorf("fetching pull request: %w", err)
	}
	latest, err := c.token(ctx, pr, bp.UpdatedOn)
	if err != nil {
		return pr, err
	}
	return pr.WithLastUpdate(latest), nil
}
