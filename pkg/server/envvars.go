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
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gitnexus/gitnexus/pkg/envvars"
)

// envScopeKind selects which variable scope a route addresses.
type envScopeKind int

const (
	scopeGlobal envScopeKind = iota
	scopeProject
	scopeCommit
)

var commitHashRE = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// envScopeFromRequest builds the scope addressed by the route parameters.
func envScopeFromRequest(r *http.Request, kind envScopeKind) (envvars.Scope, error) {
	switch kind {
	case scopeGlobal:
		return envvars.Global(), nil
	case scopeProject, scopeCommit:
		repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
		if err != nil || repoID <= 0 {
			return envvars.Scope{}, fmt.Errorf("invalid repository id %q", r.PathValue("repoID"))
		}
		if kind == scopeProject {
			return envvars.Project(repoID), nil
		}
		hash := r.PathValue("hash")
		if !commitHashRE.MatchString(hash) {
			return envvars.Scope{}, fmt.Errorf("invalid commit hash %q", hash)
		}
		return envvars.PerCommit(repoID, hash), nil
	default:
		return envvars.Scope{}, fmt.Errorf("unknown scope")
	}
}

// handleEnvGet lists the variables of one scope.
func (s *Server) handleEnvGet(kind envScopeKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := envScopeFromRequest(r, kind)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		vars, err := s.env.Scoped(r.Context(), scope)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if vars == nil {
			vars = []*envvars.Variable{}
		}
		s.h.RenderJSON(w, http.StatusOK, vars)
	})
}

// handleEnvPut replaces the variable set of one scope wholesale.
func (s *Server) handleEnvPut(kind envScopeKind) http.Handler {
	type request struct {
		Variables []*envvars.Variable `json:"variables"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := envScopeFromRequest(r, kind)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, v := range req.Variables {
			if strings.TrimSpace(v.Key) == "" {
				s.renderError(w, http.StatusBadRequest, "variable keys must not be empty")
				return
			}
		}

		stored, err := s.env.Replace(r.Context(), scope, req.Variables)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if stored == nil {
			stored = []*envvars.Variable{}
		}
		s.h.RenderJSON(w, http.StatusOK, stored)
	})
}

// handleEnvMerged returns the flattened overlay for one workspace.
func (s *Server) handleEnvMerged() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repoID, err := strconv.ParseInt(r.PathValue("repoID"), 10, 64)
		if err != nil || repoID <= 0 {
			s.renderError(w, http.StatusBadRequest, fmt.Sprintf("invalid repository id %q", r.PathValue("repoID")))
			return
		}
		hash := r.PathValue("hash")
		if !commitHashRE.MatchString(hash) {
			s.renderError(w, http.StatusBadRequest, fmt.Sprintf("invalid commit hash %q", hash))
			return
		}

		merged, err := s.env.Merged(r.Context(), repoID, hash)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, merged)
	})
}
