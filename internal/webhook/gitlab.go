package webhook

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/xanzy/go-gitlab"
)

// GitLabHandler handles GitLab webhook requests.
type GitLabHandler struct {
	secret  string
	handler Func
}

// NewGitLabHandler creates a new GitLab webhook handler.
func NewGitLabHandler(secret string, handler Func) *GitLabHandler {
	return &GitLabHandler{
		secret:  secret,
		handler: handler,
	}
}

// ServeHTTP implements http.Handler.
func (h *GitLabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := clog.FromContext(r.Context())

	token := r.Header.Get("X-Gitlab-Token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		log.Warnf("Rejected GitLab webhook with invalid token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	kind := gitlab.HookEventType(r)
	parsed, err := gitlab.ParseWebhook(kind, body)
	if err != nil {
		http.Error(w, "failed to parse payload", http.StatusBadRequest)
		return
	}

	event := Event{Provider: "gitlab", Kind: string(kind)}
	switch e := parsed.(type) {
	case *gitlab.MergeEvent:
		event.Repository = e.Project.PathWithNamespace
	case *gitlab.PipelineEvent:
		event.Repository = e.Project.PathWithNamespace
	case *gitlab.PushEvent:
		event.Repository = e.Project.PathWithNamespace
	default:
		log.Debugf("Ignoring GitLab %s", kind)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	h.handler(r.Context(), event)
	w.WriteHeader(http.StatusOK)
}
