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

// Package store is the embedded persistence layer. It owns every durable
// entity: cache entries, tracked repositories, cached releases, Replay
// repositories and commits, scoped environment variables, the rate limit
// snapshot, app config and log rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite database handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database file and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer. Serializing all access through one
	// connection avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_key    TEXT NOT NULL,
	endpoint_kind TEXT NOT NULL,
	payload       TEXT NOT NULL,
	last_updated  TIMESTAMP NOT NULL,
	UNIQUE (tenant_key, endpoint_kind)
);

CREATE TABLE IF NOT EXISTS search_history (
	username      TEXT PRIMARY KEY,
	last_searched TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_status (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	rate_limit   INTEGER NOT NULL,
	remaining    INTEGER NOT NULL,
	reset_time   INTEGER NOT NULL,
	token_source TEXT NOT NULL,
	last_updated TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_repos (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	owner           TEXT NOT NULL,
	repo_name       TEXT NOT NULL,
	current_version TEXT NOT NULL DEFAULT 'Not Checked',
	latest_version  TEXT,
	description     TEXT,
	avatar_url      TEXT,
	html_url        TEXT,
	last_checked    TIMESTAMP,
	sort_order      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (owner, repo_name)
);

CREATE TABLE IF NOT EXISTS cached_releases (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id       INTEGER NOT NULL REFERENCES tracked_repos(id) ON DELETE CASCADE,
	tag_name      TEXT NOT NULL,
	name          TEXT,
	html_url      TEXT,
	published_at  TIMESTAMP,
	is_prerelease BOOLEAN NOT NULL DEFAULT 0,
	assets        TEXT,
	cached_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cached_releases_repo ON cached_releases(repo_id);

CREATE TABLE IF NOT EXISTS repositories (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL UNIQUE,
	is_remote  BOOLEAN NOT NULL DEFAULT 0,
	remote_url TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id       INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	hash          TEXT NOT NULL,
	short_hash    TEXT NOT NULL,
	message       TEXT,
	author        TEXT,
	author_email  TEXT,
	date          TIMESTAMP,
	commit_number INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_repo_hash ON commits(repo_id, hash);

CREATE TABLE IF NOT EXISTS github_commits (
	sha         TEXT PRIMARY KEY,
	repo_owner  TEXT NOT NULL,
	repo_name   TEXT NOT NULL,
	author_name TEXT,
	author_date TIMESTAMP,
	message     TEXT,
	url         TEXT
);
CREATE INDEX IF NOT EXISTS idx_github_commits_repo ON github_commits(repo_owner, repo_name);

CREATE TABLE IF NOT EXISTS env_vars (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	scope         TEXT NOT NULL,
	repository_id INTEGER,
	commit_hash   TEXT
);
CREATE INDEX IF NOT EXISTS idx_env_vars_scope ON env_vars(scope, repository_id, commit_hash);

CREATE TABLE IF NOT EXISTS app_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TIMESTAMP NOT NULL,
	level     TEXT NOT NULL,
	source    TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
