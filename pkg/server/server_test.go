// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/pkg/renderer"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/envvars"
	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/replay"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
	"github.com/gitnexus/gitnexus/pkg/watchlist"
	"github.com/gitnexus/gitnexus/pkg/workspace"
)

// testHarness wires a full server against a fake GitHub upstream.
type testHarness struct {
	handler http.Handler
	store   *store.Store
	github  *http.ServeMux
}

func newTestHarness(tb testing.TB) *testHarness {
	tb.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("failed to open store: %v", err)
	}
	tb.Cleanup(func() { st.Close() })

	key, err := crypto.GenerateKey()
	if err != nil {
		tb.Fatalf("failed to generate key: %v", err)
	}
	kb, err := crypto.NewWithKey(key)
	if err != nil {
		tb.Fatalf("failed to open keybox: %v", err)
	}

	ghmux := http.NewServeMux()
	gh := httptest.NewServer(ghmux)
	tb.Cleanup(gh.Close)

	client := githubclient.New(gh.URL, st)
	tb.Cleanup(client.Close)

	h, err := renderer.New(ctx, nil)
	if err != nil {
		tb.Fatalf("failed to create renderer: %v", err)
	}

	cfg := &Config{
		DataDir:        tb.TempDir(),
		BaseServerPort: 28000,
		CacheTTL:       time.Hour,
		CORSOrigins:    []string{"http://localhost:5173"},
	}

	wm := workspace.NewManager(filepath.Join(cfg.DataDir, "workspaces"))
	if err := wm.EnsureRoot(); err != nil {
		tb.Fatalf("failed to create workspaces root: %v", err)
	}

	srv := NewServer(ctx, cfg, h, st,
		client,
		token.New("", st, kb),
		watchlist.New(st, client),
		replay.NewOrchestrator(cfg.BaseServerPort, replay.NewStaticHTMLAdapter()),
		wm,
		envvars.New(st, kb))

	return &testHarness{
		handler: srv.Routes(ctx),
		store:   st,
		github:  ghmux,
	}
}

// do runs one request and returns the recorder.
func (h *testHarness) do(tb testing.TB, method, target string, body any) *httptest.ResponseRecorder {
	tb.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			tb.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(tb testing.TB, w *httptest.ResponseRecorder, v any) {
	tb.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		tb.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	w := h.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", w.Code)
	}

	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status field: got %q, want ok", resp["status"])
	}
	if resp["version"] == "" {
		t.Error("expected a version")
	}
}

func TestServer_FetchUserCaches(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	var userCalls, readmeCalls int
	h.github.HandleFunc("/users/octocat", func(w http.ResponseWriter, r *http.Request) {
		userCalls++
		fmt.Fprint(w, `{"login":"octocat","name":"The Octocat"}`)
	})
	h.github.HandleFunc("/users/octocat/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"name":"hello","full_name":"octocat/hello","owner":{"login":"octocat"}}]`)
	})
	h.github.HandleFunc("/repos/octocat/octocat/readme", func(w http.ResponseWriter, r *http.Request) {
		readmeCalls++
		fmt.Fprint(w, "# Hello")
	})

	type resp struct {
		User          json.RawMessage `json:"user"`
		Repos         json.RawMessage `json:"repos"`
		ProfileReadme string          `json:"profile_readme"`
		Cached        bool            `json:"cached"`
	}

	w := h.do(t, http.MethodPost, "/api/discovery/fetch-user", map[string]string{"username": "octocat"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var first resp
	decodeBody(t, w, &first)
	if first.Cached {
		t.Error("first fetch must not be cached")
	}
	if first.ProfileReadme != "# Hello" {
		t.Errorf("profile readme: got %q, want the octocat/octocat readme", first.ProfileReadme)
	}

	w = h.do(t, http.MethodPost, "/api/discovery/fetch-user", map[string]string{"username": "octocat"})
	var second resp
	decodeBody(t, w, &second)
	if !second.Cached {
		t.Error("second fetch should come from the cache")
	}
	if second.ProfileReadme != "# Hello" {
		t.Errorf("cached profile readme: got %q", second.ProfileReadme)
	}
	if userCalls != 1 {
		t.Errorf("upstream user calls: got %d, want 1", userCalls)
	}
	if readmeCalls != 1 {
		t.Errorf("upstream readme calls: got %d, want 1", readmeCalls)
	}

	// The search lands in the history.
	w = h.do(t, http.MethodGet, "/api/discovery/search-history", nil)
	var history []*store.SearchEntry
	decodeBody(t, w, &history)
	if len(history) != 1 || history[0].Username != "octocat" {
		t.Errorf("history: got %+v, want one octocat entry", history)
	}
}

func TestServer_FetchUserUpstream404(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.github.HandleFunc("/users/nobody", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	w := h.do(t, http.MethodPost, "/api/discovery/fetch-user", map[string]string{"username": "nobody"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", w.Code)
	}

	var resp apiError
	decodeBody(t, w, &resp)
	if resp.Error != http.StatusNotFound {
		t.Errorf("error field: got %d, want 404", resp.Error)
	}
	if resp.Message != "Not Found" {
		t.Errorf("message: got %q, want upstream message", resp.Message)
	}
}

func TestServer_CommitCountViaLinkHeader(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	var calls int
	h.github.HandleFunc("/repos/o/r/commits", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Link", `<https://api.github.com/repos/o/r/commits?per_page=1&page=42>; rel="last"`)
		fmt.Fprint(w, `[{"sha":"abc"}]`)
	})

	body := map[string]string{"owner": "o", "repo": "r"}
	w := h.do(t, http.MethodPost, "/api/discovery/commit-count", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count  int  `json:"count"`
		Cached bool `json:"cached"`
	}
	decodeBody(t, w, &resp)
	if resp.Count != 42 {
		t.Errorf("count: got %d, want 42", resp.Count)
	}

	w = h.do(t, http.MethodPost, "/api/discovery/commit-count", body)
	decodeBody(t, w, &resp)
	if !resp.Cached || resp.Count != 42 {
		t.Errorf("second read: got %+v, want cached 42", resp)
	}
	if calls != 1 {
		t.Errorf("upstream calls: got %d, want 1", calls)
	}
}

func TestServer_WatchlistAddAndDuplicate(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.github.HandleFunc("/repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":5,"name":"r","full_name":"o/r","description":"demo","html_url":"https://github.com/o/r","owner":{"login":"o","avatar_url":"https://a.example/o.png"}}`)
	})

	body := map[string]string{"url": "https://github.com/o/r"}
	w := h.do(t, http.MethodPost, "/api/watchlist/add-by-url", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var created store.TrackedRepo
	decodeBody(t, w, &created)
	if created.CurrentVersion != store.StatusNotChecked {
		t.Errorf("current version: got %q, want sentinel", created.CurrentVersion)
	}

	if w := h.do(t, http.MethodPost, "/api/watchlist/add-by-url", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate add: got %d, want 409", w.Code)
	}

	w = h.do(t, http.MethodGet, "/api/watchlist", nil)
	var list []*store.TrackedRepo
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].Owner != "o" || list[0].RepoName != "r" {
		t.Errorf("list: got %+v", list)
	}

	w = h.do(t, http.MethodPost, "/api/watchlist/remove", map[string]int64{"id": created.ID})
	if w.Code != http.StatusOK {
		t.Errorf("remove: got %d, body %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodPost, "/api/watchlist/remove", map[string]int64{"id": created.ID}); w.Code != http.StatusNotFound {
		t.Errorf("remove again: got %d, want 404", w.Code)
	}
}

func TestServer_EnvVarsMergedOverlay(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	put := func(target string, vars map[string]string) {
		t.Helper()
		var list []map[string]string
		for k, v := range vars {
			list = append(list, map[string]string{"key": k, "value": v})
		}
		w := h.do(t, http.MethodPut, target, map[string]any{"variables": list})
		if w.Code != http.StatusOK {
			t.Fatalf("put %s: got %d, body %s", target, w.Code, w.Body.String())
		}
	}

	put("/api/envvars/global", map[string]string{"A": "1", "B": "2"})
	put("/api/envvars/project/7", map[string]string{"B": "20", "C": "30"})
	put("/api/envvars/commit/7/abc1234", map[string]string{"C": "300", "D": "400"})

	w := h.do(t, http.MethodGet, "/api/envvars/merged/7/abc1234", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("merged: got %d, body %s", w.Code, w.Body.String())
	}
	var merged map[string]string
	decodeBody(t, w, &merged)
	want := map[string]string{"A": "1", "B": "20", "C": "300", "D": "400"}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("merged overlay (-want, +got):\n%s", diff)
	}
}

func TestServer_EnvVarsRejectsBadScope(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	cases := []struct {
		name   string
		target string
	}{
		{name: "bad_repo_id", target: "/api/envvars/project/zero"},
		{name: "bad_commit_hash", target: "/api/envvars/commit/7/not-hex!"},
		{name: "short_hash", target: "/api/envvars/commit/7/ab12"},
		{name: "overlong_hash", target: "/api/envvars/commit/7/" + strings.Repeat("a", 41)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if w := h.do(t, http.MethodGet, tc.target, nil); w.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", w.Code)
			}
		})
	}
}

func TestServer_ReplayRepoLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	repoPath := initServerTestRepo(t, 3)

	w := h.do(t, http.MethodPost, "/api/replay/repos", map[string]string{"path": repoPath})
	if w.Code != http.StatusCreated {
		t.Fatalf("add repo: got %d, body %s", w.Code, w.Body.String())
	}
	var repo store.Repository
	decodeBody(t, w, &repo)

	if w := h.do(t, http.MethodPost, "/api/replay/repos", map[string]string{"path": repoPath}); w.Code != http.StatusConflict {
		t.Errorf("re-add: got %d, want 409", w.Code)
	}

	w = h.do(t, http.MethodGet, fmt.Sprintf("/api/replay/repos/%d/commits?page=1&page_size=2", repo.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("commits page: got %d, body %s", w.Code, w.Body.String())
	}
	var page struct {
		Commits  []*store.Commit `json:"commits"`
		Total    int64           `json:"total"`
		HasMore  bool            `json:"has_more"`
		PageSize int             `json:"page_size"`
	}
	decodeBody(t, w, &page)
	if page.Total != 3 || len(page.Commits) != 2 || !page.HasMore {
		t.Errorf("page: got total=%d len=%d has_more=%t", page.Total, len(page.Commits), page.HasMore)
	}
	if page.Commits[0].CommitNumber != 3 {
		t.Errorf("first commit number: got %d, want newest (3)", page.Commits[0].CommitNumber)
	}

	if w := h.do(t, http.MethodDelete, fmt.Sprintf("/api/replay/repos/%d", repo.ID), nil); w.Code != http.StatusOK {
		t.Errorf("delete: got %d, body %s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodGet, fmt.Sprintf("/api/replay/repos/%d", repo.ID), nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", w.Code)
	}
}

func TestServer_ReplayRepoAddRejectsNonRepo(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	if w := h.do(t, http.MethodPost, "/api/replay/repos", map[string]string{"path": t.TempDir()}); w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/watchlist", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow-origin: got %q", got)
	}

	// Unknown origins get no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/api/watchlist", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}

func TestServer_LogsEmpty(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	w := h.do(t, http.MethodGet, "/api/logs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var entries []*store.LogEntry
	decodeBody(t, w, &entries)
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}

	if w := h.do(t, http.MethodGet, "/api/logs?limit=junk", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", w.Code)
	}
}

// initServerTestRepo creates a git repository with n commits.
func initServerTestRepo(tb testing.TB, n int) string {
	tb.Helper()

	dir := tb.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		tb.Fatalf("failed to init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		tb.Fatalf("failed to open worktree: %v", err)
	}

	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "file.txt")
		if err := os.WriteFile(name, []byte(fmt.Sprintf("change %d\n", i)), 0o644); err != nil {
			tb.Fatalf("failed to write file: %v", err)
		}
		if _, err := wt.Add("file.txt"); err != nil {
			tb.Fatalf("failed to add file: %v", err)
		}
		_, err := wt.Commit(fmt.Sprintf("change %d", i), &git.CommitOptions{
			Author: &object.Signature{
				Name:  "Tester",
				Email: "tester@example.com",
				When:  time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			},
		})
		if err != nil {
			tb.Fatalf("failed to commit: %v", err)
		}
	}
	return dir
}
