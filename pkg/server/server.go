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

// Package server is the HTTP edge of the application: it owns the route
// table, request decoding, and the mapping from domain errors to API
// responses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/gitnexus/gitnexus/pkg/envvars"
	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/replay"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
	"github.com/gitnexus/gitnexus/pkg/version"
	"github.com/gitnexus/gitnexus/pkg/watchlist"
	"github.com/gitnexus/gitnexus/pkg/workspace"
)

// tokenHeader carries an optional per-request GitHub token.
const tokenHeader = "X-GitHub-Token"

// Server provides the server implementation.
type Server struct {
	cfg        *Config
	h          *renderer.Renderer
	store      *store.Store
	client     *githubclient.Client
	tokens     *token.Resolver
	engine     *watchlist.Engine
	orch       *replay.Orchestrator
	workspaces *workspace.Manager
	env        *envvars.Resolver

	// syncing guards against duplicate background commit syncs per user.
	syncMu  sync.Mutex
	syncing map[string]bool
}

// NewServer creates a new HTTP server implementation for the API.
func NewServer(ctx context.Context, cfg *Config, h *renderer.Renderer,
	s *store.Store, client *githubclient.Client, tokens *token.Resolver,
	engine *watchlist.Engine, orch *replay.Orchestrator,
	workspaces *workspace.Manager, env *envvars.Resolver,
) *Server {
	return &Server{
		cfg:        cfg,
		h:          h,
		store:      s,
		client:     client,
		tokens:     tokens,
		engine:     engine,
		orch:       orch,
		workspaces: workspaces,
		env:        env,
		syncing:    map[string]bool{},
	}
}

// Routes creates a ServeMux of all of the routes that this Router supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("GET /api/health", s.handleHealth())

	mux.Handle("POST /api/discovery/fetch-user", s.handleFetchUser())
	mux.Handle("GET /api/discovery/search-history", s.handleSearchHistory())
	mux.Handle("POST /api/discovery/commit-count", s.handleCommitCount())
	mux.Handle("POST /api/discovery/repo-readme", s.handleRepoReadme())
	mux.Handle("POST /api/discovery/repo-commits", s.handleRepoCommits())
	mux.Handle("POST /api/discovery/contribution-graph", s.handleContributionGraph())
	mux.Handle("POST /api/discovery/download", s.handleBulkDownload())
	mux.Handle("GET /api/discovery/api-status", s.handleAPIStatus())

	mux.Handle("GET /api/watchlist", s.handleWatchlist())
	mux.Handle("POST /api/watchlist/add-by-url", s.handleWatchlistAdd())
	mux.Handle("POST /api/watchlist/remove", s.handleWatchlistRemove())
	mux.Handle("POST /api/watchlist/reorder", s.handleWatchlistReorder())
	mux.Handle("POST /api/watchlist/check-updates", s.handleWatchlistCheck())
	mux.Handle("POST /api/watchlist/mark-updated", s.handleWatchlistMarkUpdated())
	mux.Handle("POST /api/watchlist/details", s.handleWatchlistDetails())
	mux.Handle("GET /api/watchlist/export", s.handleWatchlistExport())
	mux.Handle("POST /api/watchlist/import", s.handleWatchlistImport())

	mux.Handle("GET /api/settings/token", s.handleTokenGet())
	mux.Handle("POST /api/settings/token", s.handleTokenSet())
	mux.Handle("GET /api/settings/download-path", s.handleConfigGet(store.ConfigKeyDownloadPath))
	mux.Handle("POST /api/settings/download-path", s.handleDownloadPathSet())
	mux.Handle("GET /api/settings/theme", s.handleConfigGet(store.ConfigKeyTheme))
	mux.Handle("POST /api/settings/theme", s.handleConfigSet(store.ConfigKeyTheme))
	mux.Handle("GET /api/settings/last-repo", s.handleConfigGet(store.ConfigKeyLastRepo))
	mux.Handle("POST /api/settings/last-repo", s.handleConfigSet(store.ConfigKeyLastRepo))
	mux.Handle("POST /api/settings/download-asset", s.handleDownloadAsset())

	mux.Handle("GET /api/logs", s.handleLogs())

	mux.Handle("GET /api/replay/repos", s.handleReposList())
	mux.Handle("POST /api/replay/repos", s.handleRepoAdd())
	mux.Handle("POST /api/replay/repos/clone", s.handleRepoClone())
	mux.Handle("GET /api/replay/repos/{id}", s.handleRepoGet())
	mux.Handle("DELETE /api/replay/repos/{id}", s.handleRepoDelete())
	mux.Handle("GET /api/replay/repos/{id}/commits", s.handleRepoCommitsPage())
	mux.Handle("POST /api/replay/repos/{id}/sync-commits", s.handleRepoSyncCommits())
	mux.Handle("GET /api/replay/repos/{id}/files", s.handleRepoFiles())
	mux.Handle("GET /api/replay/repos/{id}/file-content", s.handleRepoFileContent())

	mux.Handle("GET /api/replay/servers", s.handleServersList(false))
	mux.Handle("GET /api/replay/servers/running", s.handleServersList(true))
	mux.Handle("POST /api/replay/servers", s.handleServerStart())
	mux.Handle("GET /api/replay/servers/{id}", s.handleServerGet())
	mux.Handle("DELETE /api/replay/servers/{id}", s.handleServerRemove())
	mux.Handle("POST /api/replay/servers/{id}/stop", s.handleServerStop())
	mux.Handle("POST /api/replay/servers/stop-all", s.handleServersStopAll())

	mux.Handle("GET /api/envvars/global", s.handleEnvGet(scopeGlobal))
	mux.Handle("PUT /api/envvars/global", s.handleEnvPut(scopeGlobal))
	mux.Handle("GET /api/envvars/project/{repoID}", s.handleEnvGet(scopeProject))
	mux.Handle("PUT /api/envvars/project/{repoID}", s.handleEnvPut(scopeProject))
	mux.Handle("GET /api/envvars/commit/{repoID}/{hash}", s.handleEnvGet(scopeCommit))
	mux.Handle("PUT /api/envvars/commit/{repoID}/{hash}", s.handleEnvPut(scopeCommit))
	mux.Handle("GET /api/envvars/merged/{repoID}/{hash}", s.handleEnvMerged())

	// Middleware
	root := s.corsMiddleware(mux)
	return logging.HTTPInterceptor(logger, "")(root)
}

// handleHealth responds with version information for the server.
func (s *Server) handleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.HumanVersion,
		})
	})
}

// corsMiddleware answers preflights and attaches the allow-origin headers
// for configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+tokenHeader)
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// credential resolves the GitHub credential for one request.
func (s *Server) credential(r *http.Request) token.Credential {
	return s.tokens.Resolve(r.Context(), r.Header.Get(tokenHeader))
}

// apiError is the uniform error body.
type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message,omitempty"`
}

// renderError writes the uniform error shape.
func (s *Server) renderError(w http.ResponseWriter, code int, msg string) {
	s.h.RenderJSON(w, code, &apiError{Error: code, Message: msg})
}

// renderUpstreamError maps a GitHub client failure onto an API response. A
// non-2xx upstream status passes through; transport failures map to gateway
// statuses.
func (s *Server) renderUpstreamError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logging.FromContext(ctx)

	var gerr *githubclient.Error
	if !errors.As(err, &gerr) {
		logger.ErrorContext(ctx, "internal error", "error", err)
		s.renderError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch gerr.Kind {
	case githubclient.KindHTTPStatus:
		logger.ErrorContext(ctx, "github error response",
			"code", gerr.StatusCode,
			"body", gerr.Body)
		s.renderError(w, gerr.StatusCode, upstreamMessage(gerr))
	case githubclient.KindTimeout:
		s.renderError(w, http.StatusGatewayTimeout, "github request timed out")
	case githubclient.KindNetwork:
		s.renderError(w, http.StatusServiceUnavailable, "github is unreachable")
	default:
		logger.ErrorContext(ctx, "github client error", "error", err)
		s.renderError(w, http.StatusInternalServerError, "internal error")
	}
}

// upstreamMessage extracts GitHub's message field when the body carries one.
func upstreamMessage(gerr *githubclient.Error) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(gerr.Body), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return fmt.Sprintf("github responded with status %d", gerr.StatusCode)
}

// decodeJSON reads a request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// refreshRequested reports whether the request asks to bypass the cache.
func refreshRequested(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	return v == "1" || strings.EqualFold(v, "true")
}
