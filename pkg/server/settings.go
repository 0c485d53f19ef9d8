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
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/security"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
)

// handleTokenGet reports whether a GitHub token is stored. The token itself
// never leaves the server.
func (s *Server) handleTokenGet() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stored, err := s.tokens.HasStored(r.Context())
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"has_token": stored})
	})
}

// handleTokenSet stores a GitHub token after validating it upstream. An
// empty token deletes the stored one.
func (s *Server) handleTokenSet() http.Handler {
	type request struct {
		Token string `json:"token"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		tok := strings.TrimSpace(req.Token)
		if tok == "" {
			if err := s.tokens.Delete(ctx); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			s.h.RenderJSON(w, http.StatusOK, map[string]bool{"has_token": false})
			return
		}

		cred := token.Credential{Token: tok, Source: token.SourceRequest}
		if _, err := s.client.Quota(ctx, cred); err != nil {
			if githubclient.IsStatus(err, http.StatusUnauthorized) {
				s.renderError(w, http.StatusBadRequest, "token was rejected by GitHub")
				return
			}
			s.renderUpstreamError(ctx, w, err)
			return
		}

		if err := s.tokens.Save(ctx, tok); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"has_token": true})
	})
}

// handleConfigGet reads one app config value.
func (s *Server) handleConfigGet(key string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, _, err := s.store.GetConfig(r.Context(), key)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"value": value})
	})
}

// handleConfigSet writes one app config value verbatim.
func (s *Server) handleConfigSet(key string) http.Handler {
	type request struct {
		Value string `json:"value"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SetConfig(r.Context(), key, req.Value); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"value": req.Value})
	})
}

// handleDownloadPathSet validates and stores the download destination.
func (s *Server) handleDownloadPathSet() http.Handler {
	type request struct {
		Value string `json:"value"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		validated, err := security.ValidateDownloadPath(req.Value)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SetConfig(r.Context(), store.ConfigKeyDownloadPath, validated); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"value": validated})
	})
}

// handleDownloadAsset streams one release asset to the download directory.
// The URL must pass the SSRF allow-list.
func (s *Server) handleDownloadAsset() http.Handler {
	type request struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	type response struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.URL == "" {
			s.renderError(w, http.StatusBadRequest, "url is required")
			return
		}
		if err := security.ValidateDownloadURL(req.URL); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		name := req.Filename
		if name == "" {
			name = filepath.Base(req.URL)
		}
		name = security.SanitizeFilename(name)

		dir, err := s.downloadDir(ctx)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}

		dest := filepath.Join(dir, name)
		if !security.IsSafePath(dir, dest) {
			s.renderError(w, http.StatusBadRequest, "invalid filename")
			return
		}

		if err := s.downloadToFile(ctx, s.credential(r), req.URL, dest); err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}

		info, err := os.Stat(dest)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, &response{Path: dest, Size: info.Size()})
	})
}
