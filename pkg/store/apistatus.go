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

// RateLimitSnapshot is the single-row view of the GitHub quota.
type RateLimitSnapshot struct {
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	ResetTime   int64     `json:"reset_time"`
	TokenSource string    `json:"token_source"`
	LastUpdated time.Time `json:"last_updated"`
}

// Stale reports whether the snapshot's reset instant has passed.
func (r *RateLimitSnapshot) Stale(now time.Time) bool {
	return r.ResetTime > 0 && r.ResetTime < now.Unix()
}

// isAuthedSource reports whether a token source counts as authenticated for
// the non-downgrade rule.
func isAuthedSource(source string) bool {
	return source == "env" || source == "db" || source == "authed"
}

// RecordRateLimit applies one quota observation to the singleton row.
//
// An observation with a lower limit than the stored one is dropped when the
// stored source was authenticated and the new source is "none". This keeps an
// unauthenticated probe (cap 60) from clobbering an authenticated snapshot
// (cap 5000).
func (s *Store) RecordRateLimit(ctx context.Context, limit, remaining, reset int64, source string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var storedLimit int64
	var storedSource string
	err = tx.QueryRowContext(ctx,
		`SELECT rate_limit, token_source FROM api_status WHERE id = 1`).
		Scan(&storedLimit, &storedSource)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	case err != nil:
		return fmt.Errorf("failed to read rate limit row: %w", err)
	default:
		isDowngrade := limit < storedLimit
		if isDowngrade && isAuthedSource(storedSource) && source == "none" {
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_status (id, rate_limit, remaining, reset_time, token_source, last_updated)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rate_limit = excluded.rate_limit,
			remaining = excluded.remaining,
			reset_time = excluded.reset_time,
			token_source = excluded.token_source,
			last_updated = excluded.last_updated`,
		limit, remaining, reset, source, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert rate limit row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rate limit update: %w", err)
	}
	return nil
}

// RateLimit returns the stored snapshot, or nil when none has been recorded.
func (s *Store) RateLimit(ctx context.Context) (*RateLimitSnapshot, error) {
	var snap RateLimitSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT rate_limit, remaining, reset_time, token_source, last_updated FROM api_status WHERE id = 1`).
		Scan(&snap.Limit, &snap.Remaining, &snap.ResetTime, &snap.TokenSource, &snap.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit row: %w", err)
	}
	snap.LastUpdated = snap.LastUpdated.UTC()
	return &snap, nil
}
