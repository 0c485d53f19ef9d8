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
	"fmt"
	"time"
)

// SearchEntry is one row of the discovery search history.
type SearchEntry struct {
	Username     string    `json:"username"`
	LastSearched time.Time `json:"last_searched"`
}

// TouchSearch records a username lookup, bumping its timestamp if already
// present.
func (s *Store) TouchSearch(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_history (username, last_searched) VALUES (?, ?)
		ON CONFLICT (username) DO UPDATE SET last_searched = excluded.last_searched`,
		username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record search: %w", err)
	}
	return nil
}

// RecentSearches returns the most recent searches, newest first.
func (s *Store) RecentSearches(ctx context.Context, limit int) ([]*SearchEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, last_searched FROM search_history ORDER BY last_searched DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read search history: %w", err)
	}
	defer rows.Close()

	var entries []*SearchEntry
	for rows.Next() {
		var e SearchEntry
		if err := rows.Scan(&e.Username, &e.LastSearched); err != nil {
			return nil, fmt.Errorf("failed to scan search entry: %w", err)
		}
		e.LastSearched = e.LastSearched.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search history: %w", err)
	}
	return entries, nil
}
