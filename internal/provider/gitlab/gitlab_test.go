package gitlab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drewdunne/rebasebot/internal/provider"
)

var testRepo = provider.Repository{
	Type:           "gitlab",
	GitHost:        "https://gitlab.com",
	Team:           "owner",
	Name:           "repo",
	Pass:           "test-token",
	FallbackBranch: "master",
}

// routes maps "METHOD escaped-path" to a handler.
type routes map[string]http.HandlerFunc

func newTestConnector(t *testing.T, r routes) *Connector {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("PRIVATE-TOKEN") != "test-token" {
			t.Errorf("missing or incorrect token header")
		}
		key := req.Method + " " + req.URL.EscapedPath()
		h, ok := r[key]
		if !ok {
			t.Errorf("unexpected request: %s", key)
			http.NotFound(w, req)
			return
		}
		h(w, req)
	}))
	t.Cleanup(server.Close)

	c, err := New(testRepo, WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

const mrPath = "/api/v4/projects/owner%2Frepo/merge_requests/5"

func mergeRequest(extra map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mr := map[string]interface{}{
			"iid":           5,
			"source_branch": "feature/x",
			"target_branch": "master",
			"updated_at":    "2024-03-01T10:00:00Z",
			"diff_refs":     map[string]interface{}{"base_sha": "base", "head_sha": "head", "start_sha": "base"},
		}
		for k, v := range extra {
			mr[k] = v
		}
		writeJSON(w, mr)
	}
}

func TestConnector_Name(t *testing.T) {
	c, err := New(testRepo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "gitlab" {
		t.Errorf("Name() = %q, want %q", c.Name(), "gitlab")
	}
}

func TestConnector_ListOpenPullRequests(t *testing.T) {
	c := newTestConnector(t, routes{
		"GET /api/v4/projects/owner%2Frepo/merge_requests": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") != "opened" {
				t.Errorf("state = %q, want opened", r.URL.Query().Get("state"))
			}
			writeJSON(w, []map[string]interface{}{
				{
					"iid": 5, "project_id": 1, "source_project_id": 1,
					"title": "Feature", "source_branch": "feature/x", "target_branch": "master",
					"author": map[string]interface{}{"username": "dev"},
				},
				{
					"iid": 6, "project_id": 1, "source_project_id": 99,
					"source_branch": "feature/fork", "target_branch": "master",
				},
			})
		},
		"GET " + mrPath: mergeRequest(map[string]interface{}{
			"head_pipeline": map[string]interface{}{"status": "success", "updated_at": "2024-03-01T12:00:00Z"},
		}),
	})

	prs, err := c.ListOpenPullRequests(context.Background())
	if err != nil {
		t.Fatalf("ListOpenPullRequests() error = %v", err)
	}
	if len(prs) != 1 {
		t.Fatalf("len(prs) = %d, want 1 (fork skipped)", len(prs))
	}

	pr := prs[0]
	if pr.ID != 5 {
		t.Errorf("ID = %d, want %d", pr.ID, 5)
	}
	if pr.Author != "dev" {
		t.Errorf("Author = %q, want %q", pr.Author, "dev")
	}
	if pr.Source != "feature/x" || pr.Destination != "master" {
		t.Errorf("branches = %s -> %s, want feature/x -> master", pr.Source, pr.Destination)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !pr.LastUpdate.Equal(want) {
		t.Errorf("LastUpdate = %v, want %v (pipeline update)", pr.LastUpdate, want)
	}
}

func TestConnector_GreenBuildExists(t *testing.T) {
	tests := []struct {
		name     string
		pipeline interface{}
		want     bool
	}{
		{"success", map[string]interface{}{"status": "success"}, true},
		{"failed", map[string]interface{}{"status": "failed"}, false},
		{"running", map[string]interface{}{"status": "running"}, false},
		{"no pipeline", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnector(t, routes{
				"GET " + mrPath: mergeRequest(map[string]interface{}{"head_pipeline": tt.pipeline}),
			})
			got, err := c.GreenBuildExists(context.Background(), provider.PullRequest{ID: 5})
			if err != nil {
				t.Fatalf("GreenBuildExists() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GreenBuildExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnector_IsApproved(t *testing.T) {
	tests := []struct {
		name      string
		approvals map[string]interface{}
		want      bool
	}{
		{"approved", map[string]interface{}{
			"approved":    true,
			"approved_by": []map[string]interface{}{{"user": map[string]interface{}{"username": "alice"}}},
		}, true},
		{"rules satisfied without approvers", map[string]interface{}{"approved": true, "approved_by": []interface{}{}}, false},
		{"not approved", map[string]interface{}{"approved": false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnector(t, routes{
				"GET " + mrPath + "/approvals": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.approvals)
				},
			})
			got, err := c.IsApproved(context.Background(), provider.PullRequest{ID: 5})
			if err != nil {
				t.Fatalf("IsApproved() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsApproved() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnector_RebaseNeeded(t *testing.T) {
	tests := []struct {
		name string
		tip  string
		want bool
	}{
		{"target unchanged", "base", false},
		{"target moved", "newer", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnector(t, routes{
				"GET " + mrPath: mergeRequest(nil),
				"GET /api/v4/projects/owner%2Frepo/repository/branches/master": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, map[string]interface{}{"name": "master", "commit": map[string]interface{}{"id": tt.tip}})
				},
			})
			got, err := c.RebaseNeeded(context.Background(), provider.PullRequest{ID: 5, Destination: "master"})
			if err != nil {
				t.Fatalf("RebaseNeeded() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RebaseNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnector_Merge(t *testing.T) {
	var body map[string]interface{}
	c := newTestConnector(t, routes{
		"PUT " + mrPath + "/merge": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, map[string]interface{}{"iid": 5, "state": "merged"})
		},
	})

	err := c.Merge(context.Background(), provider.PullRequest{ID: 5, Source: "feature/x"})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if body["should_remove_source_branch"] != true {
		t.Errorf("should_remove_source_branch = %v, want true", body["should_remove_source_branch"])
	}
	if body["merge_commit_message"] != "Merged in feature/x (pull request #5) by rebasebot" {
		t.Errorf("merge_commit_message = %v", body["merge_commit_message"])
	}
}

func TestConnector_AddComment(t *testing.T) {
	var body map[string]interface{}
	c := newTestConnector(t, routes{
		"POST " + mrPath + "/notes": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, map[string]interface{}{"id": 1})
		},
	})

	if err := c.AddComment(context.Background(), provider.PullRequest{ID: 5}, "conflict"); err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if body["body"] != "conflict" {
		t.Errorf("body = %v, want %q", body["body"], "conflict")
	}
}

func TestConnector_LatestUpdateWithoutPipeline(t *testing.T) {
	c := newTestConnector(t, routes{
		"GET " + mrPath: mergeRequest(nil),
	})

	latest, err := c.LatestUpdate(context.Background(), provider.PullRequest{ID: 5})
	if err != nil {
		t.Fatalf("LatestUpdate() error = %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !latest.LastUpdate.Equal(want) {
		t.Errorf("LastUpdate = %v, want %v", latest.LastUpdate, want)
	}
}
