package webhook

import (
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v60/github"
)

// GitHubHandler handles GitHub webhook requests.
type GitHubHandler struct {
	secret  string
	handler Func
}

// NewGitHubHandler creates a new GitHub webhook handler.
func NewGitHubHandler(secret string, handler Func) *GitHubHandler {
	return &GitHubHandler{
		secret:  secret,
		handler: handler,
	}
}

// ServeHTTP implements http.Handler.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := clog.FromContext(r.Context())

	payload, err := github.ValidatePayload(r, []byte(h.secret))
	if err != nil {
		log.Warnf("Rejected GitHub webhook: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	kind := github.WebHookType(r)
	parsed, err := github.ParseWebHook(kind, payload)
	if err != nil {
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	event := Event{Provider: "github", Kind: kind}
	switch e := parsed.(type) {
	case *github.PullRequestEvent:
		event.Repository = e.GetRepo().GetFullName()
	case *github.PullRequestReviewEvent:
		event.Repository = e.GetRepo().GetFullName()
	case *github.CheckRunEvent:
		event.Repository = e.GetRepo().GetFullName()
	case *github.CheckSuiteEvent:
		event.Repository = e.GetRepo().GetFullName()
	case *github.StatusEvent:
		event.Repository = e.GetRepo().GetFullName()
	case *github.PushEvent:
		event.Repository = e.GetRepo().GetFullName()
	default:
		log.Debugf("Ignoring GitHub %s event", kind)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.handler(r.Context(), event)
	w.WriteHeader(http.StatusOK)
}
