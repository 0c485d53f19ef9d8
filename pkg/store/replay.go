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

// Repository is a Replay repository on local disk.
type Repository struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsRemote  bool      `json:"is_remote"`
	RemoteURL string    `json:"remote_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Commit is one synced commit row. CommitNumber is a dense 1-based sequence
// in chronological order, oldest first.
type Commit struct {
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"short_hash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	AuthorEmail  string    `json:"author_email"`
	Date         time.Time `json:"date"`
	CommitNumber int64     `json:"commit_number"`
}

// ErrRepoPathExists is returned when a repository path is already loaded.
var ErrRepoPathExists = errors.New("repository already loaded")

// ListRepositories returns all Replay repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, is_remote, COALESCE(remote_url, ''), created_at
		FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.IsRemote, &r.RemoteURL, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		repos = append(repos, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repositories: %w", err)
	}
	return repos, nil
}

// Repository returns one Replay repository, or nil when absent.
func (s *Store) Repository(ctx context.Context, id int64) (*Repository, error) {
	var r Repository
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, is_remote, COALESCE(remote_url, ''), created_at
		FROM repositories WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Path, &r.IsRemote, &r.RemoteURL, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// RepositoryByPath returns the repository registered at path, or nil.
func (s *Store) RepositoryByPath(ctx context.Context, path string) (*Repository, error) {
	var r Repository
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, is_remote, COALESCE(remote_url, ''), created_at
		FROM repositories WHERE path = ?`, path).
		Scan(&r.ID, &r.Name, &r.Path, &r.IsRemote, &r.RemoteURL, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository by path: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// AddRepository registers a repository. The path must be unique.
func (s *Store) AddRepository(ctx context.Context, r *Repository) (int64, error) {
	existing, err := s.RepositoryByPath(ctx, r.Path)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, ErrRepoPathExists
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (name, path, is_remote, remote_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.Path, r.IsRemote, r.RemoteURL, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert repository: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return id, nil
}

// DeleteRepository removes a repository row and its commits (cascade),
// reporting whether it existed. Files on disk are untouched.
func (s *Store) DeleteRepository(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete repository: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted rows: %w", err)
	}
	return n > 0, nil
}

// commitInsertChunk bounds the rows per statement when rewriting history.
const commitInsertChunk = 500

// ReplaceCommits rewrites the commit rows for a repository wholesale. The
// input must be in chronological order, oldest first; commit numbers are
// assigned densely starting at 1.
func (s *Store) ReplaceCommits(ctx context.Context, repoID int64, commits []*Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM commits WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to clear commits: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commits (repo_id, hash, short_hash, message, author, author_email, date, commit_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare commit insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range commits {
		if _, err := stmt.ExecContext(ctx, repoID, c.Hash, c.ShortHash, c.Message,
			c.Author, c.AuthorEmail, c.Date.UTC(), i+1); err != nil {
			return fmt.Errorf("failed to insert commit %s: %w", c.ShortHash, err)
		}
		// Yield between chunks so a huge history doesn't hold the write
		// lock in one burst.
		if (i+1)%commitInsertChunk == 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("commit sync cancelled: %w", ctx.Err())
			default:
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history rewrite: %w", err)
	}
	return nil
}

// CommitsPage returns one page of commits ordered by commit_number
// descending, plus the total row count.
func (s *Store) CommitsPage(ctx context.Context, repoID int64, page, pageSize int) ([]*Commit, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits WHERE repo_id = ?`, repoID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count commits: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, short_hash, COALESCE(message, ''), COALESCE(author, ''),
			COALESCE(author_email, ''), date, commit_number
		FROM commits WHERE repo_id = ?
		ORDER BY commit_number DESC LIMIT ? OFFSET ?`,
		repoID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read commits page: %w", err)
	}
	defer rows.Close()

	var commits []*Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.Hash, &c.ShortHash, &c.Message, &c.Author,
			&c.AuthorEmail, &c.Date, &c.CommitNumber); err != nil {
			return nil, 0, fmt.Errorf("failed to scan commit: %w", err)
		}
		c.Date = c.Date.UTC()
		commits = append(commits, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate commits: %w", err)
	}
	return commits, total, nil
}

// CountCommits returns the number of synced commits for a repository.
func (s *Store) CountCommits(ctx context.Context, repoID int64) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commits WHERE repo_id = ?`, repoID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	return total, nil
}
