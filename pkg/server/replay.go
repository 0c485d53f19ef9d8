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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/gitnexus/gitnexus/pkg/gitrepo"
	"github.com/gitnexus/gitnexus/pkg/replay"
	"github.com/gitnexus/gitnexus/pkg/security"
	"github.com/gitnexus/gitnexus/pkg/store"
)

const (
	defaultCommitPageSize = 50
	maxCommitPageSize     = 200

	// defaultAdapter serves static checkouts when a start request does not
	// name one.
	defaultAdapter = "static_html"
)

// pathID parses the {id} route segment.
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// repoOr404 loads a Replay repository, rendering 404 when absent.
func (s *Server) repoOr404(w http.ResponseWriter, r *http.Request, id int64) *store.Repository {
	repo, err := s.store.Repository(r.Context(), id)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if repo == nil {
		s.renderError(w, http.StatusNotFound, fmt.Sprintf("repository %d not found", id))
		return nil
	}
	return repo
}

// handleReposList lists loaded repositories with their synced commit counts.
func (s *Server) handleReposList() http.Handler {
	type item struct {
		*store.Repository
		CommitCount int64 `json:"commit_count"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repos, err := s.store.ListRepositories(ctx)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		items := make([]*item, 0, len(repos))
		for _, repo := range repos {
			count, err := s.store.CountCommits(ctx, repo.ID)
			if err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			items = append(items, &item{Repository: repo, CommitCount: count})
		}
		s.h.RenderJSON(w, http.StatusOK, items)
	})
}

// handleRepoAdd registers a local repository and syncs its history.
func (s *Server) handleRepoAdd() http.Handler {
	type request struct {
		Path string `json:"path"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		abs, err := filepath.Abs(filepath.Clean(strings.TrimSpace(req.Path)))
		if err != nil || req.Path == "" {
			s.renderError(w, http.StatusBadRequest, "path is required")
			return
		}
		if !gitrepo.IsValidRepo(abs) {
			s.renderError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a git repository", abs))
			return
		}

		repo := &store.Repository{Name: gitrepo.RepoName(abs), Path: abs}
		id, err := s.store.AddRepository(ctx, repo)
		if errors.Is(err, store.ErrRepoPathExists) {
			s.renderError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		repo.ID = id

		if _, err := s.syncRepoCommits(ctx, repo); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusCreated, repo)
	})
}

// handleRepoClone clones a remote repository into the data directory and
// registers it.
func (s *Server) handleRepoClone() http.Handler {
	type request struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		remote := strings.TrimSpace(req.URL)
		if remote == "" {
			s.renderError(w, http.StatusBadRequest, "url is required")
			return
		}
		if _, err := url.ParseRequestURI(remote); err != nil {
			s.renderError(w, http.StatusBadRequest, "invalid repository url")
			return
		}

		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = strings.TrimSuffix(path.Base(remote), ".git")
		}
		name = security.SanitizeFilename(name)

		dest := filepath.Join(s.cfg.DataDir, "repos", name)
		if _, err := os.Stat(dest); err == nil {
			s.renderError(w, http.StatusConflict, fmt.Sprintf("%s already exists", dest))
			return
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := gitrepo.Clone(ctx, remote, dest); err != nil {
			logger.ErrorContext(ctx, "clone failed", "url", remote, "error", err)
			os.RemoveAll(dest)
			s.renderError(w, http.StatusBadGateway, fmt.Sprintf("failed to clone %s", remote))
			return
		}

		repo := &store.Repository{Name: name, Path: dest, IsRemote: true, RemoteURL: remote}
		id, err := s.store.AddRepository(ctx, repo)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		repo.ID = id

		if _, err := s.syncRepoCommits(ctx, repo); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusCreated, repo)
	})
}

// handleRepoGet returns one repository with its commit count.
func (s *Server) handleRepoGet() http.Handler {
	type response struct {
		*store.Repository
		CommitCount int64 `json:"commit_count"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		repo := s.repoOr404(w, r, id)
		if repo == nil {
			return
		}
		count, err := s.store.CountCommits(r.Context(), id)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Repository: repo, CommitCount: count})
	})
}

// handleRepoDelete unregisters a repository, stopping its workspace servers
// first. Files on disk stay untouched.
func (s *Server) handleRepoDelete() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		for _, ws := range s.orch.List() {
			if ws.RepoID != id {
				continue
			}
			if err := s.orch.Stop(ctx, ws.RepoID, ws.CommitHash); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if err := s.orch.Remove(ws.RepoID, ws.CommitHash); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		deleted, err := s.store.DeleteRepository(ctx, id)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !deleted {
			s.renderError(w, http.StatusNotFound, fmt.Sprintf("repository %d not found", id))
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	})
}

// handleRepoCommitsPage pages through synced commits, newest first.
func (s *Server) handleRepoCommitsPage() http.Handler {
	type response struct {
		Commits  []*store.Commit `json:"commits"`
		Total    int64           `json:"total"`
		Page     int             `json:"page"`
		PageSize int             `json:"page_size"`
		HasMore  bool            `json:"has_more"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.repoOr404(w, r, id) == nil {
			return
		}

		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			if page, err = strconv.Atoi(raw); err != nil || page < 1 {
				s.renderError(w, http.StatusBadRequest, "page must be >= 1")
				return
			}
		}
		pageSize := defaultCommitPageSize
		if raw := r.URL.Query().Get("page_size"); raw != "" {
			if pageSize, err = strconv.Atoi(raw); err != nil || pageSize < 1 || pageSize > maxCommitPageSize {
				s.renderError(w, http.StatusBadRequest,
					fmt.Sprintf("page_size must be between 1 and %d", maxCommitPageSize))
				return
			}
		}

		commits, total, err := s.store.CommitsPage(r.Context(), id, page, pageSize)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if commits == nil {
			commits = []*store.Commit{}
		}
		s.h.RenderJSON(w, http.StatusOK, &response{
			Commits:  commits,
			Total:    total,
			Page:     page,
			PageSize: pageSize,
			HasMore:  int64(page*pageSize) < total,
		})
	})
}

// handleRepoSyncCommits rewrites the synced history from the working copy.
func (s *Server) handleRepoSyncCommits() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		repo := s.repoOr404(w, r, id)
		if repo == nil {
			return
		}

		synced, err := s.syncRepoCommits(r.Context(), repo)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]int{"synced": synced})
	})
}

// handleRepoFiles returns the file tree for a commit checkout, or for the
// working copy when no commit is given.
func (s *Server) handleRepoFiles() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		repo := s.repoOr404(w, r, id)
		if repo == nil {
			return
		}

		root, ok := s.checkoutRoot(w, r, repo)
		if !ok {
			return
		}
		tree, err := gitrepo.FileTree(root)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if tree == nil {
			tree = []*gitrepo.TreeNode{}
		}
		s.h.RenderJSON(w, http.StatusOK, tree)
	})
}

// handleRepoFileContent reads one file from a commit checkout.
func (s *Server) handleRepoFileContent() http.Handler {
	type response struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		repo := s.repoOr404(w, r, id)
		if repo == nil {
			return
		}
		relPath := r.URL.Query().Get("path")
		if relPath == "" {
			s.renderError(w, http.StatusBadRequest, "path is required")
			return
		}

		root, ok := s.checkoutRoot(w, r, repo)
		if !ok {
			return
		}
		content, err := gitrepo.FileContent(root, relPath)
		if errors.Is(err, gitrepo.ErrFileNotFound) {
			s.renderError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", relPath))
			return
		}
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Path: relPath, Content: content})
	})
}

// checkoutRoot picks the directory to read from: the materialized workspace
// for a commit query parameter, otherwise the repository working copy.
func (s *Server) checkoutRoot(w http.ResponseWriter, r *http.Request, repo *store.Repository) (string, bool) {
	commit := r.URL.Query().Get("commit")
	if commit == "" {
		return repo.Path, true
	}

	if s.workspaces.Exists(repo.ID, commit) {
		dir, err := s.workspaces.Path(repo.ID, commit)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return "", false
		}
		return dir, true
	}

	dir, err := s.workspaces.Create(r.Context(), repo.Path, repo.ID, commit)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return dir, true
}

// handleServerStart materializes a workspace for a commit and starts (or
// returns) its server.
func (s *Server) handleServerStart() http.Handler {
	type request struct {
		RepoID        int64  `json:"repo_id"`
		CommitHash    string `json:"commit_hash"`
		Adapter       string `json:"adapter"`
		PreferredPort int    `json:"preferred_port"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.CommitHash == "" {
			s.renderError(w, http.StatusBadRequest, "commit_hash is required")
			return
		}
		repo := s.repoOr404(w, r, req.RepoID)
		if repo == nil {
			return
		}

		var dir string
		var err error
		if s.workspaces.Exists(repo.ID, req.CommitHash) {
			dir, err = s.workspaces.Path(repo.ID, req.CommitHash)
		} else {
			dir, err = s.workspaces.Create(ctx, repo.Path, repo.ID, req.CommitHash)
		}
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		env, err := s.env.Merged(ctx, repo.ID, req.CommitHash)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		adapter := req.Adapter
		if adapter == "" {
			adapter = defaultAdapter
		}
		ws, err := s.orch.Start(ctx, replay.StartRequest{
			RepoID:        repo.ID,
			CommitHash:    req.CommitHash,
			Dir:           dir,
			Adapter:       adapter,
			PreferredPort: req.PreferredPort,
			Env:           env,
		})
		if err != nil {
			if errors.Is(err, replay.ErrUnknownAdapter) || errors.Is(err, replay.ErrNotServable) {
				s.renderError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusCreated, ws)
	})
}

// handleServersList lists workspace servers, optionally only running ones.
func (s *Server) handleServersList(runningOnly bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all := s.orch.List()
		out := make([]*replay.Workspace, 0, len(all))
		for _, ws := range all {
			if runningOnly && ws.Status != replay.StatusRunning {
				continue
			}
			out = append(out, ws)
		}
		s.h.RenderJSON(w, http.StatusOK, out)
	})
}

// serverByID finds a workspace server by its instance id.
func (s *Server) serverByID(id string) *replay.Workspace {
	for _, ws := range s.orch.List() {
		if ws.ID == id {
			return ws
		}
	}
	return nil
}

// handleServerGet returns one workspace server.
func (s *Server) handleServerGet() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := s.serverByID(r.PathValue("id"))
		if ws == nil {
			s.renderError(w, http.StatusNotFound, "server not found")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, ws)
	})
}

// handleServerStop stops one workspace server.
func (s *Server) handleServerStop() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := s.serverByID(r.PathValue("id"))
		if ws == nil {
			s.renderError(w, http.StatusNotFound, "server not found")
			return
		}
		if err := s.orch.Stop(r.Context(), ws.RepoID, ws.CommitHash); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, s.serverByID(ws.ID))
	})
}

// handleServerRemove forgets a stopped or failed workspace server.
func (s *Server) handleServerRemove() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := s.serverByID(r.PathValue("id"))
		if ws == nil {
			s.renderError(w, http.StatusNotFound, "server not found")
			return
		}
		if err := s.orch.Remove(ws.RepoID, ws.CommitHash); err != nil {
			s.renderError(w, http.StatusConflict, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"removed": true})
	})
}

// handleServersStopAll stops every running workspace server.
func (s *Server) handleServersStopAll() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.orch.StopAll(r.Context())
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"stopped": true})
	})
}

// syncRepoCommits rewrites a repository's commit rows from its git history.
func (s *Server) syncRepoCommits(ctx context.Context, repo *store.Repository) (int, error) {
	commits, err := gitrepo.Commits(ctx, repo.Path, "", 0)
	if err != nil {
		return 0, err
	}
	if err := s.store.ReplaceCommits(ctx, repo.ID, commits); err != nil {
		return 0, err
	}
	return len(commits), nil
}
