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
)

// EnvVarRow is one scoped environment variable row. Value holds ciphertext;
// decryption happens in the envvars resolver.
type EnvVarRow struct {
	ID    int64
	Key   string
	Value string
}

// Scope selectors for env var rows. A nil repoID matches global scope; a nil
// commitHash with a repoID matches project scope.
type envScopeArgs struct {
	clauses string
	args    []any
}

func envScope(scope string, repoID *int64, commitHash *string) envScopeArgs {
	sa := envScopeArgs{clauses: `scope = ?`, args: []any{scope}}
	if repoID != nil {
		sa.clauses += ` AND repository_id = ?`
		sa.args = append(sa.args, *repoID)
	}
	if commitHash != nil {
		sa.clauses += ` AND commit_hash = ?`
		sa.args = append(sa.args, *commitHash)
	}
	return sa
}

// EnvVars returns the raw rows for a scope selector.
func (s *Store) EnvVars(ctx context.Context, scope string, repoID *int64, commitHash *string) ([]*EnvVarRow, error) {
	sa := envScope(scope, repoID, commitHash)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, value FROM env_vars WHERE `+sa.clauses+` ORDER BY id`, sa.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read env vars: %w", err)
	}
	defer rows.Close()

	var vars []*EnvVarRow
	for rows.Next() {
		var v EnvVarRow
		if err := rows.Scan(&v.ID, &v.Key, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan env var: %w", err)
		}
		vars = append(vars, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate env vars: %w", err)
	}
	return vars, nil
}

// ReplaceEnvVars atomically deletes all rows matching the scope selector and
// inserts the given (key, ciphertext) pairs. It returns the inserted rows
// with their assigned ids.
func (s *Store) ReplaceEnvVars(ctx context.Context, scope string, repoID *int64, commitHash *string, vars []*EnvVarRow) ([]*EnvVarRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sa := envScope(scope, repoID, commitHash)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM env_vars WHERE `+sa.clauses, sa.args...); err != nil {
		return nil, fmt.Errorf("failed to clear env vars: %w", err)
	}

	created := make([]*EnvVarRow, 0, len(vars))
	for _, v := range vars {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO env_vars (key, value, scope, repository_id, commit_hash)
			VALUES (?, ?, ?, ?, ?)`,
			v.Key, v.Value, scope, repoID, commitHash)
		if err != nil {
			return nil, fmt.Errorf("failed to insert env var %q: %w", v.Key, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		created = append(created, &EnvVarRow{ID: id, Key: v.Key, Value: v.Value})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit env vars: %w", err)
	}
	return created, nil
}
