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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StatusNotChecked is the current_version sentinel before the first
// successful release lookup.
const StatusNotChecked = "Not Checked"

// TrackedRepo is one watchlist row.
type TrackedRepo struct {
	ID             int64      `json:"id"`
	Owner          string     `json:"owner"`
	RepoName       string     `json:"name"`
	CurrentVersion string     `json:"current_version"`
	LatestVersion  string     `json:"latest_version,omitempty"`
	Description    string     `json:"description,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	HTMLURL        string     `json:"html_url,omitempty"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	SortOrder      int64      `json:"sort_order"`
}

// ListTracked returns all tracked repositories in user-visible order.
func (s *Store) ListTracked(ctx context.Context) ([]*TrackedRepo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, repo_name, current_version, COALESCE(latest_version, ''),
			COALESCE(description, ''), COALESCE(avatar_url, ''), COALESCE(html_url, ''),
			last_checked, sort_order
		FROM tracked_repos
		ORDER BY sort_order ASC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked repos: %w", err)
	}
	defer rows.Close()

	var repos []*TrackedRepo
	for rows.Next() {
		var r TrackedRepo
		var lastChecked sql.NullTime
		if err := rows.Scan(&r.ID, &r.Owner, &r.RepoName, &r.CurrentVersion, &r.LatestVersion,
			&r.Description, &r.AvatarURL, &r.HTMLURL, &lastChecked, &r.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan tracked repo: %w", err)
		}
		if lastChecked.Valid {
			t := lastChecked.Time.UTC()
			r.LastChecked = &t
		}
		repos = append(repos, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracked repos: %w", err)
	}
	return repos, nil
}

// ErrAlreadyTracked is returned when (owner, repo_name) already exists.
var ErrAlreadyTracked = errors.New("repository is already in the watchlist")

// TrackedByOwnerName looks up a single tracked repo, returning nil when not
// found.
func (s *Store) TrackedByOwnerName(ctx context.Context, owner, name string) (*TrackedRepo, error) {
	var r TrackedRepo
	var lastChecked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, repo_name, current_version, COALESCE(latest_version, ''),
			COALESCE(description, ''), COALESCE(avatar_url, ''), COALESCE(html_url, ''),
			last_checked, sort_order
		FROM tracked_repos WHERE owner = ? AND repo_name = ?`, owner, name).
		Scan(&r.ID, &r.Owner, &r.RepoName, &r.CurrentVersion, &r.LatestVersion,
			&r.Description, &r.AvatarURL, &r.HTMLURL, &lastChecked, &r.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tracked repo: %w", err)
	}
	if lastChecked.Valid {
		t := lastChecked.Time.UTC()
		r.LastChecked = &t
	}
	return &r, nil
}

// AddTracked inserts a new tracked repository. The current version starts at
// the "Not Checked" sentinel unless the caller supplies one (import path).
func (s *Store) AddTracked(ctx context.Context, r *TrackedRepo) (int64, error) {
	current := r.CurrentVersion
	if current == "" {
		current = StatusNotChecked
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_repos (owner, repo_name, current_version, description, avatar_url, html_url)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Owner, r.RepoName, current, r.Description, r.AvatarURL, r.HTMLURL)
	if err != nil {
		return 0, fmt.Errorf("failed to insert tracked repo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

// RemoveTracked deletes a tracked repository, reporting whether it existed.
func (s *Store) RemoveTracked(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_repos WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete tracked repo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return n > 0, nil
}

// ReorderTracked assigns sort_order by position in ids. Unknown ids are
// ignored.
func (s *Store) ReorderTracked(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tracked_repos SET sort_order = ? WHERE id = ?`, i, id); err != nil {
			return fmt.Errorf("failed to update sort order: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reorder: %w", err)
	}
	return nil
}

// TrackedUpdate is one reconciliation to apply after a watchlist check.
type TrackedUpdate struct {
	RepoID         int64
	NewLatest      string
	Updated        bool
	PromoteCurrent bool
}

// ApplyTrackedUpdates applies check-update results on a single writer
// transaction, in order. It returns the number of repos whose latest_version
// changed.
func (s *Store) ApplyTrackedUpdates(ctx context.Context, updates []*TrackedUpdate) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	found := 0
	for _, u := range updates {
		if u.NewLatest == "" {
			continue
		}
		if u.Updated {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tracked_repos SET latest_version = ? WHERE id = ?`,
				u.NewLatest, u.RepoID); err != nil {
				return 0, fmt.Errorf("failed to update latest version: %w", err)
			}
			found++
		}
		if u.PromoteCurrent {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tracked_repos SET current_version = ? WHERE id = ?`,
				u.NewLatest, u.RepoID); err != nil {
				return 0, fmt.Errorf("failed to promote current version: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tracked_repos SET last_checked = ? WHERE id = ?`,
			now, u.RepoID); err != nil {
			return 0, fmt.Errorf("failed to update last checked: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit updates: %w", err)
	}
	return found, nil
}
