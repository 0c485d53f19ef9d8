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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/pkg/logging"

	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/security"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
)

// Cache endpoint kinds. The payload shape is tied to the kind at the call
// site; the cache itself stores opaque JSON.
const (
	cacheKindProfile       = "profile"
	cacheKindProfileReadme = "profile_readme"
	cacheKindRepos         = "repos"
	cacheKindRepoReadme    = "repo_readme"
	cacheKindCommitCount   = "commit_count_value"
	cacheKindCommitsSynced = "commits_synced"
)

const (
	// graphWindow is how far back the contribution graph reaches.
	graphWindow = 365 * 24 * time.Hour

	// syncRepoLimit caps how many repositories the background commit sync
	// walks per user.
	syncRepoLimit = 30

	// syncCommitLimit caps commits fetched per repository during a sync.
	syncCommitLimit = 300

	// repoCommitsCeiling bounds the discovery commit listing.
	repoCommitsCeiling = 1000
)

// handleFetchUser returns a user's profile, repositories and profile README,
// cache-first.
func (s *Server) handleFetchUser() http.Handler {
	type request struct {
		Username string `json:"username"`
		Sort     string `json:"sort"`
	}
	type response struct {
		User          json.RawMessage `json:"user"`
		Repos         json.RawMessage `json:"repos"`
		ProfileReadme string          `json:"profile_readme"`
		Cached        bool            `json:"cached"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		username := strings.TrimSpace(req.Username)
		if username == "" {
			s.renderError(w, http.StatusBadRequest, "username is required")
			return
		}

		if err := s.store.TouchSearch(ctx, username); err != nil {
			logger.WarnContext(ctx, "failed to record search", "error", err)
		}

		cred := s.credential(r)

		if !refreshRequested(r) {
			profile, perr := s.store.GetCached(ctx, username, cacheKindProfile, s.cfg.CacheTTL)
			repos, rerr := s.store.GetCached(ctx, username, cacheKindRepos, s.cfg.CacheTTL)
			if perr == nil && rerr == nil && profile != nil && repos != nil {
				go s.ensureCommitSync(ctx, cred, username, nil)
				s.h.RenderJSON(w, http.StatusOK, &response{
					User:          profile,
					Repos:         repos,
					ProfileReadme: s.profileReadme(ctx, cred, username, false),
					Cached:        true,
				})
				return
			}
		}

		user, err := s.client.User(ctx, cred, username)
		if err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}
		repos, err := s.client.UserRepos(ctx, cred, username, req.Sort)
		if err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}

		userJSON, err := json.Marshal(user)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		reposJSON, err := json.Marshal(repos)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := s.store.SetCached(ctx, username, cacheKindProfile, userJSON); err != nil {
			logger.WarnContext(ctx, "failed to cache profile", "error", err)
		}
		if err := s.store.SetCached(ctx, username, cacheKindRepos, reposJSON); err != nil {
			logger.WarnContext(ctx, "failed to cache repos", "error", err)
		}

		go s.ensureCommitSync(ctx, cred, username, repos)

		s.h.RenderJSON(w, http.StatusOK, &response{
			User:          userJSON,
			Repos:         reposJSON,
			ProfileReadme: s.profileReadme(ctx, cred, username, refreshRequested(r)),
			Cached:        false,
		})
	})
}

// profileReadme returns the README of the user's username/username
// repository, cache-first. A missing or unfetchable README degrades to an
// empty string; the profile itself still renders.
func (s *Server) profileReadme(ctx context.Context, cred token.Credential, username string, refresh bool) string {
	logger := logging.FromContext(ctx)

	if !refresh {
		if raw, err := s.store.GetCached(ctx, username, cacheKindProfileReadme, s.cfg.CacheTTL); err == nil && raw != nil {
			var readme string
			if err := json.Unmarshal(raw, &readme); err == nil {
				return readme
			}
		}
	}

	readme, err := s.client.Readme(ctx, cred, username, username)
	if err != nil {
		logger.WarnContext(ctx, "failed to fetch profile readme",
			"username", username,
			"error", err)
		return ""
	}

	if raw, err := json.Marshal(readme); err == nil {
		if err := s.store.SetCached(ctx, username, cacheKindProfileReadme, raw); err != nil {
			logger.WarnContext(ctx, "failed to cache profile readme", "error", err)
		}
	}
	return readme
}

// handleSearchHistory lists recent discovery searches.
func (s *Server) handleSearchHistory() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.store.RecentSearches(r.Context(), 20)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entries == nil {
			entries = []*store.SearchEntry{}
		}
		s.h.RenderJSON(w, http.StatusOK, entries)
	})
}

// handleCommitCount returns the default-branch commit count for one repo,
// cache-first.
func (s *Server) handleCommitCount() http.Handler {
	type request struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	type response struct {
		Count  int  `json:"count"`
		Cached bool `json:"cached"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Owner == "" || req.Repo == "" {
			s.renderError(w, http.StatusBadRequest, "owner and repo are required")
			return
		}
		tenant := req.Owner + "/" + req.Repo

		if !refreshRequested(r) {
			if cached, err := s.store.GetCached(ctx, tenant, cacheKindCommitCount, s.cfg.CacheTTL); err == nil && cached != nil {
				var resp response
				if err := json.Unmarshal(cached, &resp); err == nil {
					resp.Cached = true
					s.h.RenderJSON(w, http.StatusOK, &resp)
					return
				}
			}
		}

		count, err := s.client.CommitCount(ctx, s.credential(r), req.Owner, req.Repo)
		if err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}

		payload, _ := json.Marshal(&response{Count: count})
		if err := s.store.SetCached(ctx, tenant, cacheKindCommitCount, payload); err != nil {
			logger.WarnContext(ctx, "failed to cache commit count", "error", err)
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Count: count})
	})
}

// handleRepoReadme returns a repository README as raw markdown, cache-first.
// A repository without a README yields an empty string.
func (s *Server) handleRepoReadme() http.Handler {
	type request struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	type response struct {
		Readme string `json:"readme"`
		Cached bool   `json:"cached"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Owner == "" || req.Repo == "" {
			s.renderError(w, http.StatusBadRequest, "owner and repo are required")
			return
		}
		tenant := req.Owner + "/" + req.Repo

		if !refreshRequested(r) {
			if cached, err := s.store.GetCached(ctx, tenant, cacheKindRepoReadme, s.cfg.CacheTTL); err == nil && cached != nil {
				var resp response
				if err := json.Unmarshal(cached, &resp); err == nil {
					resp.Cached = true
					s.h.RenderJSON(w, http.StatusOK, &resp)
					return
				}
			}
		}

		readme, err := s.client.Readme(ctx, s.credential(r), req.Owner, req.Repo)
		if err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}

		payload, _ := json.Marshal(&response{Readme: readme})
		if err := s.store.SetCached(ctx, tenant, cacheKindRepoReadme, payload); err != nil {
			logger.WarnContext(ctx, "failed to cache readme", "error", err)
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Readme: readme})
	})
}

// handleRepoCommits lists a repository's recent commits through the persisted
// commit table, refreshing from GitHub when the table is empty or a refresh is
// requested.
func (s *Server) handleRepoCommits() http.Handler {
	type request struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
		Limit int    `json:"limit"`
	}
	type response struct {
		Commits []*store.GitHubCommit `json:"commits"`
		Count   int                   `json:"count"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Owner == "" || req.Repo == "" {
			s.renderError(w, http.StatusBadRequest, "owner and repo are required")
			return
		}
		limit := req.Limit
		if limit <= 0 || limit > repoCommitsCeiling {
			limit = repoCommitsCeiling
		}

		commits, err := s.store.RepoCommits(ctx, req.Owner, req.Repo, limit)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if len(commits) == 0 || refreshRequested(r) {
			items, err := s.client.RecentCommits(ctx, s.credential(r), req.Owner, req.Repo, limit)
			if err != nil {
				s.renderUpstreamError(ctx, w, err)
				return
			}
			if err := s.store.UpsertGitHubCommits(ctx, toGitHubCommits(req.Owner, req.Repo, items)); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if commits, err = s.store.RepoCommits(ctx, req.Owner, req.Repo, limit); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		if commits == nil {
			commits = []*store.GitHubCommit{}
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Commits: commits, Count: len(commits)})
	})
}

// handleContributionGraph aggregates stored commits into per-day counts over
// the last year. When the user's commits have not been synced yet it kicks
// off a background sync and reports loading.
func (s *Server) handleContributionGraph() http.Handler {
	type request struct {
		Username string `json:"username"`
	}
	type response struct {
		Loading bool           `json:"loading"`
		Total   int            `json:"total"`
		Days    map[string]int `json:"days,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		username := strings.TrimSpace(req.Username)
		if username == "" {
			s.renderError(w, http.StatusBadRequest, "username is required")
			return
		}

		synced := false
		if !refreshRequested(r) {
			marker, err := s.store.GetCached(ctx, username, cacheKindCommitsSynced, s.cfg.CacheTTL)
			if err == nil && marker != nil {
				synced = true
			}
		}

		if !synced {
			go s.ensureCommitSync(ctx, s.credential(r), username, nil)
			s.h.RenderJSON(w, http.StatusOK, &response{Loading: true})
			return
		}

		names, err := s.cachedRepoNames(ctx, username)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		since := time.Now().UTC().Add(-graphWindow)
		commits, err := s.store.CommitsForGraph(ctx, names, since)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		days := map[string]int{}
		for _, c := range commits {
			days[c.AuthorDate.Format("2006-01-02")]++
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Total: len(commits), Days: days})
	})
}

// handleBulkDownload streams repository source archives to the configured
// download directory.
func (s *Server) handleBulkDownload() http.Handler {
	type repoRef struct {
		Owner         string `json:"owner"`
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
	}
	type request struct {
		Repos []repoRef `json:"repos"`
	}
	type result struct {
		Repo  string `json:"repo"`
		Path  string `json:"path,omitempty"`
		Error string `json:"error,omitempty"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(req.Repos) == 0 {
			s.renderError(w, http.StatusBadRequest, "repos is required")
			return
		}

		dir, err := s.downloadDir(ctx)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		dir = filepath.Join(dir, "repos")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		cred := s.credential(r)
		results := make([]*result, 0, len(req.Repos))
		for _, ref := range req.Repos {
			full := ref.Owner + "/" + ref.Name
			if ref.Owner == "" || ref.Name == "" {
				results = append(results, &result{Repo: full, Error: "owner and name are required"})
				continue
			}
			branch := ref.DefaultBranch
			if branch == "" {
				branch = "main"
			}

			name := security.SanitizeFilename(ref.Owner+"-"+ref.Name) + ".zip"
			dest := filepath.Join(dir, name)
			url := fmt.Sprintf("https://codeload.github.com/%s/%s/zip/refs/heads/%s",
				ref.Owner, ref.Name, branch)
			if err := s.downloadToFile(ctx, cred, url, dest); err != nil {
				results = append(results, &result{Repo: full, Error: err.Error()})
				continue
			}
			results = append(results, &result{Repo: full, Path: dest})
		}

		s.h.RenderJSON(w, http.StatusOK, results)
	})
}

// handleAPIStatus returns the rate-limit snapshot, refetching from GitHub
// when the stored one is missing or past its reset.
func (s *Server) handleAPIStatus() http.Handler {
	type response struct {
		*store.RateLimitSnapshot
		Authenticated bool `json:"authenticated"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		snap, err := s.store.RateLimit(ctx)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		cred := s.credential(r)
		if snap == nil || snap.Stale(time.Now()) {
			if _, err := s.client.Quota(ctx, cred); err != nil {
				s.renderUpstreamError(ctx, w, err)
				return
			}
			if snap, err = s.store.RateLimit(ctx); err != nil || snap == nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		s.h.RenderJSON(w, http.StatusOK, &response{
			RateLimitSnapshot: snap,
			Authenticated:     cred.Authenticated(),
		})
	})
}

// downloadDir resolves the configured download directory, defaulting under
// the data directory.
func (s *Server) downloadDir(ctx context.Context) (string, error) {
	stored, ok, err := s.store.GetConfig(ctx, store.ConfigKeyDownloadPath)
	if err != nil {
		return "", err
	}
	if !ok || stored == "" {
		return filepath.Join(s.cfg.DataDir, "downloads"), nil
	}
	return security.ValidateDownloadPath(stored)
}

// downloadToFile streams one asset URL to dest.
func (s *Server) downloadToFile(ctx context.Context, cred token.Credential, url, dest string) error {
	body, _, _, err := s.client.DownloadAsset(ctx, cred, url)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dest, err)
	}
	return nil
}

// cachedRepoNames returns the user's repository names from the cached listing,
// falling back to an empty set when nothing is cached.
func (s *Server) cachedRepoNames(ctx context.Context, username string) ([]string, error) {
	cached, err := s.store.GetCached(ctx, username, cacheKindRepos, s.cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	var repos []*githubclient.Repo
	if err := json.Unmarshal(cached, &repos); err != nil {
		return nil, fmt.Errorf("failed to decode cached repos: %w", err)
	}
	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.Name)
	}
	return names, nil
}

// ensureCommitSync syncs the user's recent commits into the store once,
// marking completion in the cache. Duplicate calls while a sync is running
// are ignored. The sync runs detached from the originating request.
func (s *Server) ensureCommitSync(ctx context.Context, cred token.Credential, username string, repos []*githubclient.Repo) {
	logger := logging.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if marker, err := s.store.GetCached(ctx, username, cacheKindCommitsSynced, s.cfg.CacheTTL); err == nil && marker != nil {
		return
	}

	s.syncMu.Lock()
	if s.syncing[username] {
		s.syncMu.Unlock()
		return
	}
	s.syncing[username] = true
	s.syncMu.Unlock()
	defer func() {
		s.syncMu.Lock()
		delete(s.syncing, username)
		s.syncMu.Unlock()
	}()

	if repos == nil {
		var err error
		if repos, err = s.client.UserRepos(ctx, cred, username, ""); err != nil {
			logger.WarnContext(ctx, "commit sync failed to list repos",
				"username", username,
				"error", err)
			return
		}
	}

	// Skip forks; they dominate listings and rarely carry the user's work.
	targets := make([]*githubclient.Repo, 0, syncRepoLimit)
	for _, repo := range repos {
		if repo.Fork {
			continue
		}
		targets = append(targets, repo)
		if len(targets) == syncRepoLimit {
			break
		}
	}

	since := time.Now().UTC().Add(-graphWindow)
	sem := semaphore.NewWeighted(maxConcurrentSyncs)
	var mu sync.Mutex
	var collected []*store.GitHubCommit
	var wg sync.WaitGroup

	for _, repo := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func(repo *githubclient.Repo) {
			defer wg.Done()
			defer sem.Release(1)

			items, err := s.client.RecentCommits(ctx, cred, repo.Owner.Login, repo.Name, syncCommitLimit)
			if err != nil {
				logger.WarnContext(ctx, "commit sync failed for repo",
					"repo", repo.FullName,
					"error", err)
				return
			}
			rows := toGitHubCommits(repo.Owner.Login, repo.Name, items)
			fresh := rows[:0]
			for _, row := range rows {
				if row.AuthorDate.After(since) {
					fresh = append(fresh, row)
				}
			}
			mu.Lock()
			collected = append(collected, fresh...)
			mu.Unlock()
		}(repo)
	}
	wg.Wait()

	if err := s.store.UpsertGitHubCommits(ctx, collected); err != nil {
		logger.ErrorContext(ctx, "commit sync failed to persist", "error", err)
		return
	}

	marker, _ := json.Marshal(map[string]any{
		"synced_at": time.Now().UTC(),
		"commits":   len(collected),
	})
	if err := s.store.SetCached(ctx, username, cacheKindCommitsSynced, marker); err != nil {
		logger.WarnContext(ctx, "failed to record sync marker", "error", err)
	}
	logger.InfoContext(ctx, "commit sync finished",
		"username", username,
		"repos", len(targets),
		"commits", len(collected))
}

// maxConcurrentSyncs bounds parallel per-repo commit fetches during a sync.
const maxConcurrentSyncs = 5

// toGitHubCommits flattens upstream commit items into store rows.
func toGitHubCommits(owner, name string, items []*githubclient.CommitItem) []*store.GitHubCommit {
	rows := make([]*store.GitHubCommit, 0, len(items))
	for _, item := range items {
		msg := item.Commit.Message
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		rows = append(rows, &store.GitHubCommit{
			SHA:        item.SHA,
			RepoOwner:  owner,
			RepoName:   name,
			AuthorName: item.Commit.Author.Name,
			AuthorDate: item.Commit.Author.Date,
			Message:    msg,
			URL:        item.HTMLURL,
		})
	}
	return rows
}
