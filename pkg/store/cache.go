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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetCached returns the cached payload for (tenant, kind) when present and
// newer than ttl, or nil on a miss. Payloads are opaque JSON documents; the
// caller ties the shape to the endpoint kind.
func (s *Store) GetCached(ctx context.Context, tenant, kind string, ttl time.Duration) (json.RawMessage, error) {
	var payload string
	var lastUpdated time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, last_updated FROM cache_entries WHERE tenant_key = ? AND endpoint_kind = ?`,
		tenant, kind).Scan(&payload, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if time.Since(lastUpdated.UTC()) > ttl {
		return nil, nil
	}
	return json.RawMessage(payload), nil
}

// SetCached upserts a cache entry with last_updated set to now. The payload
// is written atomically: readers never observe a partial document.
func (s *Store) SetCached(ctx context.Context, tenant, kind string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (tenant_key, endpoint_kind, payload, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_key, endpoint_kind)
		DO UPDATE SET payload = excluded.payload, last_updated = excluded.last_updated`,
		tenant, kind, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// SweepExpiredCache deletes entries older than ttl and returns the count.
func (s *Store) SweepExpiredCache(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE last_updated < ?`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept rows: %w", err)
	}
	return n, nil
}

// ClearCache deletes all cache entries.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}
