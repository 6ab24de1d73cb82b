package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const githubSecret = "test-secret"

func sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(githubSecret))
	mac.Write([]byte(payload))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubRequest(kind, payload, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", kind)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func TestGitHubHandler_RelevantEvents(t *testing.T) {
	tests := []struct {
		kind    string
		payload string
	}{
		{"pull_request", `{"action":"synchronize","number":1,"repository":{"full_name":"team/repo"}}`},
		{"pull_request_review", `{"action":"submitted","repository":{"full_name":"team/repo"}}`},
		{"check_suite", `{"action":"completed","repository":{"full_name":"team/repo"}}`},
		{"status", `{"state":"success","repository":{"full_name":"team/repo"}}`},
		{"push", `{"ref":"refs/heads/main","repository":{"full_name":"team/repo"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			var got []Event
			handler := NewGitHubHandler(githubSecret, func(_ context.Context, e Event) {
				got = append(got, e)
			})

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, githubRequest(tt.kind, tt.payload, sign(tt.payload)))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
			}
			if len(got) != 1 {
				t.Fatalf("handler called %d times, want 1", len(got))
			}
			want := Event{Provider: "github", Kind: tt.kind, Repository: "team/repo"}
			if got[0] != want {
				t.Errorf("event = %+v, want %+v", got[0], want)
			}
		})
	}
}

func TestGitHubHandler_IgnoredEvent(t *testing.T) {
	payload := `{"zen":"Keep it logically awesome.","hook_id":1}`
	handler := NewGitHubHandler(githubSecret, func(context.Context, Event) {
		t.Error("handler should not be called for ping events")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, githubRequest("ping", payload, sign(payload)))

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestGitHubHandler_InvalidSignature(t *testing.T) {
	payload := `{"action":"opened","number":1}`
	handler := NewGitHubHandler(githubSecret, func(context.Context, Event) {
		t.Error("handler should not be called with invalid signature")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, githubRequest("pull_request", payload, "sha256=invalid"))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGitHubHandler_MissingSignature(t *testing.T) {
	payload := `{"action":"opened","number":1}`
	handler := NewGitHubHandler(githubSecret, func(context.Context, Event) {
		t.Error("handler should not be called with missing signature")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, githubRequest("pull_request", payload, ""))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGitHubHandler_InvalidJSON(t *testing.T) {
	payload := `{not json`
	handler := NewGitHubHandler(githubSecret, func(context.Context, Event) {
		t.Error("handler should not be called with invalid JSON")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, githubRequest("pull_request", payload, sign(payload)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
