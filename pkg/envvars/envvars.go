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

// Package envvars resolves scoped workspace environment variables. Values are
// stored encrypted; this package owns the encrypt-on-write, decrypt-on-read
// boundary and the scope overlay used when a workspace starts.
package envvars

import (
	"context"
	"fmt"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/store"
)

// Scope kinds, from widest to narrowest.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
	ScopeCommit  = "commit"
)

// Scope selects one variable set.
type Scope struct {
	Kind       string
	RepoID     *int64
	CommitHash *string
}

// Global selects the application-wide variable set.
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

// Project selects one repository's variable set.
func Project(repoID int64) Scope {
	return Scope{Kind: ScopeProject, RepoID: &repoID}
}

// PerCommit selects one commit's variable set within a repository.
func PerCommit(repoID int64, hash string) Scope {
	return Scope{Kind: ScopeCommit, RepoID: &repoID, CommitHash: &hash}
}

// Variable is one decrypted key/value pair.
type Variable struct {
	ID    int64  `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Resolver reads and writes scoped variables through the keybox.
type Resolver struct {
	store  *store.Store
	keybox *crypto.Keybox
}

// New creates a Resolver.
func New(s *store.Store, kb *crypto.Keybox) *Resolver {
	return &Resolver{store: s, keybox: kb}
}

// decode returns the plaintext for a stored value. Rows written before
// encryption was introduced hold plaintext; a failed decrypt falls back to
// the raw value.
func (r *Resolver) decode(stored string) string {
	if stored == "" {
		return ""
	}
	if v := r.keybox.Decrypt(stored); v != "" {
		return v
	}
	return stored
}

// Scoped returns the decrypted variables for one scope.
func (r *Resolver) Scoped(ctx context.Context, scope Scope) ([]*Variable, error) {
	rows, err := r.store.EnvVars(ctx, scope.Kind, scope.RepoID, scope.CommitHash)
	if err != nil {
		return nil, err
	}

	vars := make([]*Variable, 0, len(rows))
	for _, row := range rows {
		vars = append(vars, &Variable{
			ID:    row.ID,
			Key:   row.Key,
			Value: r.decode(row.Value),
		})
	}
	return vars, nil
}

// Replace encrypts and stores a complete variable set for one scope,
// returning the stored rows decrypted with their assigned ids.
func (r *Resolver) Replace(ctx context.Context, scope Scope, vars []*Variable) ([]*Variable, error) {
	rows := make([]*store.EnvVarRow, 0, len(vars))
	for _, v := range vars {
		ciphertext, err := r.keybox.Encrypt(v.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt value for %q: %w", v.Key, err)
		}
		rows = append(rows, &store.EnvVarRow{Key: v.Key, Value: ciphertext})
	}

	created, err := r.store.ReplaceEnvVars(ctx, scope.Kind, scope.RepoID, scope.CommitHash, rows)
	if err != nil {
		return nil, err
	}

	out := make([]*Variable, 0, len(created))
	for i, row := range created {
		out = append(out, &Variable{ID: row.ID, Key: row.Key, Value: vars[i].Value})
	}
	return out, nil
}

// Merged flattens the three scopes for a workspace into one map. Project
// values override global ones and commit values override both.
func (r *Resolver) Merged(ctx context.Context, repoID int64, commitHash string) (map[string]string, error) {
	merged := map[string]string{}
	for _, scope := range []Scope{Global(), Project(repoID), PerCommit(repoID, commitHash)} {
		vars, err := r.Scoped(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s vars: %w", scope.Kind, err)
		}
		for _, v := range vars {
			merged[v.Key] = v.Value
		}
	}
	return merged, nil
}
