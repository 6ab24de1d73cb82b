package provider

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Repository identifies one managed repository. It is comparable and is
// used as a map key by the change cache and the clone registry.
type Repository struct {
	Type           string // github, gitlab, bitbucket
	GitHost        string // e.g. https://github.com
	APIHost        string // e.g. https://api.github.com
	Team           string
	Name           string
	User           string
	Pass           string
	FallbackBranch string
}

// Key returns host/team/name.
func (r Repository) Key() string {
	return hostOf(r.GitHost) + "/" + r.Team + "/" + r.Name
}

// GitURL returns the clone URL of the repository.
func (r Repository) GitURL() string {
	return strings.TrimSuffix(r.GitHost, "/") + "/" + r.Team + "/" + r.Name + ".git"
}

// Host returns the git host without scheme, used for workspace layout.
func (r Repository) Host() string {
	return hostOf(r.GitHost)
}

func (r Repository) String() string {
	return "Repo [ " + r.Key() + " ]"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(rawURL, "/")
	}
	return u.Host
}

// PullRequest represents an open pull request / merge request.
type PullRequest struct {
	ID          int // PR number (GitHub, Bitbucket) or MR IID (GitLab)
	Title       string
	Description string
	Author      string
	Source      string
	Destination string

	// LastUpdate is the version token. Only equality is meaningful.
	LastUpdate time.Time
}

func (pr PullRequest) String() string {
	return fmt.Sprintf("PR #%d (%s -> %s)", pr.ID, pr.Source, pr.Destination)
}

// MergeCommitMessage returns the message used for merge commits.
func (pr PullRequest) MergeCommitMessage() string {
	return fmt.Sprintf("Merged in %s (pull request #%d) by rebasebot", pr.Source, pr.ID)
}

// WithLastUpdate returns a copy of pr carrying the given version token.
func (pr PullRequest) WithLastUpdate(t time.Time) PullRequest {
	pr.LastUpdate = t
	return pr
}

// Latest returns the newest of the given times.
func Latest(times ...time.Time) time.Time {
	var latest time.Time
	for _, t := range times {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}
