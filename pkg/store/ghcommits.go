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
	"strings"
	"time"
)

// GitHubCommit is one upstream commit persisted for the contribution graph
// and the discovery commit listing.
type GitHubCommit struct {
	SHA        string    `json:"sha"`
	RepoOwner  string    `json:"repo_owner"`
	RepoName   string    `json:"repo_name"`
	AuthorName string    `json:"author_name"`
	AuthorDate time.Time `json:"author_date"`
	Message    string    `json:"message"`
	URL        string    `json:"url"`
}

// UpsertGitHubCommits writes a batch of upstream commits, replacing existing
// rows by sha.
func (s *Store) UpsertGitHubCommits(ctx context.Context, commits []*GitHubCommit) error {
	if len(commits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO github_commits (sha, repo_owner, repo_name, author_name, author_date, message, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sha) DO UPDATE SET
			repo_owner = excluded.repo_owner,
			repo_name = excluded.repo_name,
			author_name = excluded.author_name,
			author_date = excluded.author_date,
			message = excluded.message,
			url = excluded.url`)
	if err != nil {
		return fmt.Errorf("failed to prepare commit upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range commits {
		if _, err := stmt.ExecContext(ctx, c.SHA, c.RepoOwner, c.RepoName,
			c.AuthorName, c.AuthorDate.UTC(), c.Message, c.URL); err != nil {
			return fmt.Errorf("failed to upsert commit %s: %w", c.SHA, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upstream commits: %w", err)
	}
	return nil
}

// CommitsForGraph returns flattened commit data for the given repositories
// since a cutoff instant.
func (s *Store) CommitsForGraph(ctx context.Context, repoNames []string, since time.Time) ([]*GitHubCommit, error) {
	if len(repoNames) == 0 {
		return nil, nil
	}

	query := `SELECT sha, repo_owner, repo_name, COALESCE(author_name, ''), author_date,
		COALESCE(message, ''), COALESCE(url, '')
		FROM github_commits
		WHERE repo_name IN (?` + strings.Repeat(",?", len(repoNames)-1) + `)
		AND author_date >= ?`
	args := make([]any, 0, len(repoNames)+1)
	for _, n := range repoNames {
		args = append(args, n)
	}
	args = append(args, since.UTC())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph commits: %w", err)
	}
	defer rows.Close()

	var commits []*GitHubCommit
	for rows.Next() {
		var c GitHubCommit
		if err := rows.Scan(&c.SHA, &c.RepoOwner, &c.RepoName, &c.AuthorName,
			&c.AuthorDate, &c.Message, &c.URL); err != nil {
			return nil, fmt.Errorf("failed to scan graph commit: %w", err)
		}
		c.AuthorDate = c.AuthorDate.UTC()
		commits = append(commits, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate graph commits: %w", err)
	}
	return commits, nil
}

// RepoCommits returns the stored commits for one repository, newest first,
// bounded by limit.
func (s *Store) RepoCommits(ctx context.Context, owner, name string, limit int) ([]*GitHubCommit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sha, repo_owner, repo_name, COALESCE(author_name, ''), author_date,
			COALESCE(message, ''), COALESCE(url, '')
		FROM github_commits
		WHERE repo_owner = ? AND repo_name = ?
		ORDER BY author_date DESC LIMIT ?`,
		owner, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read repo commits: %w", err)
	}
	defer rows.Close()

	var commits []*GitHubCommit
	for rows.Next() {
		var c GitHubCommit
		if err := rows.Scan(&c.SHA, &c.RepoOwner, &c.RepoName, &c.AuthorName,
			&c.AuthorDate, &c.Message, &c.URL); err != nil {
			return nil, fmt.Errorf("failed to scan repo commit: %w", err)
		}
		c.AuthorDate = c.AuthorDate.UTC()
		commits = append(commits, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate repo commits: %w", err)
	}
	return commits, nil
}
