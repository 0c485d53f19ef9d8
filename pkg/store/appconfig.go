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
)

// Well-known app_config keys.
const (
	ConfigKeyTheme        = "theme"
	ConfigKeyLastRepo     = "last_repo"
	ConfigKeyDownloadPath = "download_path"
	ConfigKeyGitHubToken  = "github_token"
)

// GetConfig reads one app_config value. The second return reports presence.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read config %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig upserts one app_config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value); err != nil {
		return fmt.Errorf("failed to write config %q: %w", key, err)
	}
	return nil
}

// DeleteConfig removes one app_config value if present.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM app_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete config %q: %w", key, err)
	}
	return nil
}
