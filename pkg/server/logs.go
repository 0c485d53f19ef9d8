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
	"strconv"

	"github.com/gitnexus/gitnexus/pkg/store"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// handleLogs returns recent log rows, newest first.
func (s *Server) handleLogs() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultLogLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				s.renderError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			if n > maxLogLimit {
				n = maxLogLimit
			}
			limit = n
		}

		entries, err := s.store.RecentLogs(r.Context(), limit)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entries == nil {
			entries = []*store.LogEntry{}
		}
		s.h.RenderJSON(w, http.StatusOK, entries)
	})
}
