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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ReleaseCacheTTL is the default freshness window for a repo's release group.
const ReleaseCacheTTL = 60 * time.Minute

// ReleaseAsset is one downloadable artifact on a release. Source-code
// archives are synthesized into this shape as well.
type ReleaseAsset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	ContentType string `json:"content_type,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// CachedRelease is one cached release row for a tracked repository.
type CachedRelease struct {
	TagName     string         `json:"tag_name"`
	Name        string         `json:"name"`
	HTMLURL     string         `json:"html_url"`
	PublishedAt time.Time      `json:"published_at"`
	Prerelease  bool           `json:"prerelease"`
	Assets      []ReleaseAsset `json:"assets"`
	ZipballURL  string         `json:"-"`
	TarballURL  string         `json:"-"`
}

// syntheticAssetID derives a stable id for a synthesized source archive
// asset.
func syntheticAssetID(tag, kind string) int64 {
	h := fnv.New32a()
	h.Write([]byte(tag + "-" + kind))
	return int64(h.Sum32())
}

// ReleasesFor returns the cached release group for a repo, or nil when the
// group is missing or older than ttl. Staleness is keyed on the newest
// entry's cached_at.
func (s *Store) ReleasesFor(ctx context.Context, repoID int64, ttl time.Duration) ([]*CachedRelease, error) {
	groups, err := s.ReleasesBatch(ctx, []int64{repoID}, ttl)
	if err != nil {
		return nil, err
	}
	return groups[repoID], nil
}

// ReleasesBatch reads the release groups for several repos in one query,
// applying the per-group staleness rule. Missing or stale groups map to nil.
func (s *Store) ReleasesBatch(ctx context.Context, repoIDs []int64, ttl time.Duration) (map[int64][]*CachedRelease, error) {
	out := make(map[int64][]*CachedRelease, len(repoIDs))
	if len(repoIDs) == 0 {
		return out, nil
	}

	query := `SELECT repo_id, tag_name, COALESCE(name, ''), COALESCE(html_url, ''),
		published_at, is_prerelease, COALESCE(assets, '[]'), cached_at
		FROM cached_releases WHERE repo_id IN (?` + strings.Repeat(",?", len(repoIDs)-1) + `)
		ORDER BY repo_id, published_at DESC`
	args := make([]any, 0, len(repoIDs))
	for _, id := range repoIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached releases: %w", err)
	}
	defer rows.Close()

	type group struct {
		releases []*CachedRelease
		newest   time.Time
	}
	groups := make(map[int64]*group)
	for rows.Next() {
		var repoID int64
		var r CachedRelease
		var assetsJSON string
		var cachedAt time.Time
		if err := rows.Scan(&repoID, &r.TagName, &r.Name, &r.HTMLURL,
			&r.PublishedAt, &r.Prerelease, &assetsJSON, &cachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cached release: %w", err)
		}
		if err := json.Unmarshal([]byte(assetsJSON), &r.Assets); err != nil {
			return nil, fmt.Errorf("failed to decode release assets: %w", err)
		}
		r.PublishedAt = r.PublishedAt.UTC()

		g := groups[repoID]
		if g == nil {
			g = &group{}
			groups[repoID] = g
		}
		g.releases = append(g.releases, &r)
		if cachedAt.After(g.newest) {
			g.newest = cachedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached releases: %w", err)
	}

	now := time.Now().UTC()
	for _, id := range repoIDs {
		g := groups[id]
		if g == nil || now.Sub(g.newest.UTC()) > ttl {
			out[id] = nil
			continue
		}
		out[id] = g.releases
	}
	return out, nil
}

// PutReleases atomically replaces the release group for a repo. A synthetic
// asset is appended for each source archive URL present on a release.
func (s *Store) PutReleases(ctx context.Context, repoID int64, releases []*CachedRelease) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cached_releases WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to clear release group: %w", err)
	}

	now := time.Now().UTC()
	for _, r := range releases {
		assets := make([]ReleaseAsset, 0, len(r.Assets)+2)
		assets = append(assets, r.Assets...)
		if r.ZipballURL != "" {
			assets = append(assets, ReleaseAsset{
				ID:          syntheticAssetID(r.TagName, "zip"),
				Name:        "Source Code (zip)",
				DownloadURL: r.ZipballURL,
				ContentType: "application/zip",
			})
		}
		if r.TarballURL != "" {
			assets = append(assets, ReleaseAsset{
				ID:          syntheticAssetID(r.TagName, "tar"),
				Name:        "Source Code (tar.gz)",
				DownloadURL: r.TarballURL,
				ContentType: "application/gzip",
			})
		}

		assetsJSON, err := json.Marshal(assets)
		if err != nil {
			return fmt.Errorf("failed to encode release assets: %w", err)
		}

		publishedAt := r.PublishedAt
		if publishedAt.IsZero() {
			publishedAt = now
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cached_releases (repo_id, tag_name, name, html_url, published_at, is_prerelease, assets, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			repoID, r.TagName, r.Name, r.HTMLURL, publishedAt.UTC(), r.Prerelease,
			string(assetsJSON), now); err != nil {
			return fmt.Errorf("failed to insert cached release: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release group: %w", err)
	}
	return nil
}

// InvalidateReleases purges one repo's release group.
func (s *Store) InvalidateReleases(ctx context.Context, repoID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_releases WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to invalidate release cache: %w", err)
	}
	return nil
}

// InvalidateAllReleases purges every release group and returns the count.
func (s *Store) InvalidateAllReleases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_releases`)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate release caches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated rows: %w", err)
	}
	return n, nil
}
