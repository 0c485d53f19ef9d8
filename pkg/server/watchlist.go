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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/abcxyz/pkg/logging"

	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/store"
)

// releaseListLimit bounds how many releases are fetched per tracked repo.
const releaseListLimit = 10

// handleWatchlist lists tracked repositories in user order.
func (s *Server) handleWatchlist() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repos, err := s.store.ListTracked(r.Context())
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if repos == nil {
			repos = []*store.TrackedRepo{}
		}
		s.h.RenderJSON(w, http.StatusOK, repos)
	})
}

// handleWatchlistAdd tracks a repository given its GitHub URL.
func (s *Server) handleWatchlistAdd() http.Handler {
	type request struct {
		URL string `json:"url"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		owner, name, err := githubclient.ParseRepoURL(req.URL)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		existing, err := s.store.TrackedByOwnerName(ctx, owner, name)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if existing != nil {
			s.renderError(w, http.StatusConflict, store.ErrAlreadyTracked.Error())
			return
		}

		meta, err := s.client.RepoMetadata(ctx, s.credential(r), owner, name)
		if err != nil {
			s.renderUpstreamError(ctx, w, err)
			return
		}

		repo := &store.TrackedRepo{
			Owner:       owner,
			RepoName:    name,
			Description: meta.Description,
			AvatarURL:   meta.Owner.AvatarURL,
			HTMLURL:     meta.HTMLURL,
		}
		id, err := s.store.AddTracked(ctx, repo)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		repo.ID = id
		repo.CurrentVersion = store.StatusNotChecked

		s.h.RenderJSON(w, http.StatusCreated, repo)
	})
}

// handleWatchlistRemove deletes a tracked repository.
func (s *Server) handleWatchlistRemove() http.Handler {
	type request struct {
		ID int64 `json:"id"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		removed, err := s.store.RemoveTracked(r.Context(), req.ID)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !removed {
			s.renderError(w, http.StatusNotFound, fmt.Sprintf("tracked repository %d not found", req.ID))
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"removed": true})
	})
}

// handleWatchlistReorder persists a new user-visible order.
func (s *Server) handleWatchlistReorder() http.Handler {
	type request struct {
		IDs []int64 `json:"ids"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(req.IDs) == 0 {
			s.renderError(w, http.StatusBadRequest, "ids is required")
			return
		}

		if err := s.store.ReorderTracked(r.Context(), req.IDs); err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"reordered": true})
	})
}

// handleWatchlistCheck runs the update engine, either for all tracked repos
// or for a single one when an id is given.
func (s *Server) handleWatchlistCheck() http.Handler {
	type request struct {
		ID int64 `json:"id"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cred := s.credential(r)

		var req request
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		if req.ID != 0 {
			result, err := s.engine.CheckOne(ctx, cred, req.ID)
			if err != nil {
				s.renderError(w, http.StatusNotFound, err.Error())
				return
			}
			s.h.RenderJSON(w, http.StatusOK, result)
			return
		}

		summary, err := s.engine.CheckAll(ctx, cred)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.h.RenderJSON(w, http.StatusOK, summary)
	})
}

// handleWatchlistMarkUpdated acknowledges an update by promoting a repo's
// latest version to current.
func (s *Server) handleWatchlistMarkUpdated() http.Handler {
	type request struct {
		ID int64 `json:"id"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decodeJSON(r, &req); err != nil {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := s.engine.MarkCurrent(r.Context(), req.ID); err != nil {
			s.renderError(w, http.StatusNotFound, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"updated": true})
	})
}

// handleWatchlistDetails returns the release groups for tracked repos,
// refreshing stale groups from GitHub.
func (s *Server) handleWatchlistDetails() http.Handler {
	type request struct {
		IDs []int64 `json:"ids"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var req request
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			s.renderError(w, http.StatusBadRequest, err.Error())
			return
		}

		tracked, err := s.store.ListTracked(ctx)
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		byID := make(map[int64]*store.TrackedRepo, len(tracked))
		ids := make([]int64, 0, len(tracked))
		if len(req.IDs) > 0 {
			for _, repo := range tracked {
				byID[repo.ID] = repo
			}
			for _, id := range req.IDs {
				if _, ok := byID[id]; ok {
					ids = append(ids, id)
				}
			}
		} else {
			for _, repo := range tracked {
				byID[repo.ID] = repo
				ids = append(ids, repo.ID)
			}
		}

		groups := map[int64][]*store.CachedRelease{}
		if !refreshRequested(r) {
			if groups, err = s.store.ReleasesBatch(ctx, ids, s.cfg.CacheTTL); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		cred := s.credential(r)
		out := make(map[string][]*store.CachedRelease, len(ids))
		for _, id := range ids {
			group := groups[id]
			if group == nil {
				repo := byID[id]
				releases, err := s.client.Releases(ctx, cred, repo.Owner, repo.RepoName, releaseListLimit)
				if err != nil {
					logger.WarnContext(ctx, "failed to fetch releases",
						"owner", repo.Owner,
						"repo", repo.RepoName,
						"error", err)
					out[strconv.FormatInt(id, 10)] = []*store.CachedRelease{}
					continue
				}
				group = toCachedReleases(releases)
				if err := s.store.PutReleases(ctx, id, group); err != nil {
					s.renderError(w, http.StatusInternalServerError, "internal error")
					return
				}
				// Reread so synthetic source assets appear in the response.
				if group, err = s.store.ReleasesFor(ctx, id, s.cfg.CacheTTL); err != nil {
					s.renderError(w, http.StatusInternalServerError, "internal error")
					return
				}
			}
			if group == nil {
				group = []*store.CachedRelease{}
			}
			out[strconv.FormatInt(id, 10)] = group
		}

		s.h.RenderJSON(w, http.StatusOK, out)
	})
}

// handleWatchlistExport downloads the watchlist as a JSON attachment.
func (s *Server) handleWatchlistExport() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		repos, err := s.store.ListTracked(r.Context())
		if err != nil {
			s.renderError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if repos == nil {
			repos = []*store.TrackedRepo{}
		}

		w.Header().Set("Content-Disposition", `attachment; filename="watchlist.json"`)
		s.h.RenderJSON(w, http.StatusOK, repos)
	})
}

// handleWatchlistImport uploads a watchlist export, skipping entries already
// tracked.
func (s *Server) handleWatchlistImport() http.Handler {
	type response struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if err := r.ParseMultipartForm(4 << 20); err != nil {
			s.renderError(w, http.StatusBadRequest, "expected a multipart upload")
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			s.renderError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		var repos []*store.TrackedRepo
		if err := json.NewDecoder(file).Decode(&repos); err != nil {
			s.renderError(w, http.StatusBadRequest, "invalid watchlist file")
			return
		}

		var resp response
		for _, repo := range repos {
			if repo.Owner == "" || repo.RepoName == "" {
				resp.Skipped++
				continue
			}
			existing, err := s.store.TrackedByOwnerName(ctx, repo.Owner, repo.RepoName)
			if err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if existing != nil {
				resp.Skipped++
				continue
			}
			if _, err := s.store.AddTracked(ctx, repo); err != nil {
				s.renderError(w, http.StatusInternalServerError, "internal error")
				return
			}
			resp.Imported++
		}

		s.h.RenderJSON(w, http.StatusOK, &resp)
	})
}

// toCachedReleases converts upstream releases into cache rows, dropping
// drafts.
func toCachedReleases(releases []*githubclient.Release) []*store.CachedRelease {
	out := make([]*store.CachedRelease, 0, len(releases))
	for _, rel := range releases {
		if rel.Draft {
			continue
		}
		assets := make([]store.ReleaseAsset, 0, len(rel.Assets))
		for _, a := range rel.Assets {
			assets = append(assets, store.ReleaseAsset{
				ID:          a.ID,
				Name:        a.Name,
				Size:        a.Size,
				DownloadURL: a.DownloadURL,
				ContentType: a.ContentType,
				UpdatedAt:   a.UpdatedAt,
			})
		}
		out = append(out, &store.CachedRelease{
			TagName:     rel.TagName,
			Name:        rel.Name,
			HTMLURL:     rel.HTMLURL,
			PublishedAt: rel.PublishedAt,
			Prerelease:  rel.Prerelease,
			Assets:      assets,
			ZipballURL:  rel.ZipballURL,
			TarballURL:  rel.TarballURL,
		})
	}
	return out
}
