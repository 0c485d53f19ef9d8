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

// Package workspace manages the on-disk per-commit checkout directories.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gitnexus/gitnexus/pkg/gitrepo"
)

// shortHashLen is the abbreviated hash length used in directory names.
const shortHashLen = 7

// hashRE constrains commit hashes used in paths. Anything else could smuggle
// path elements into the workspace root.
var hashRE = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// Manager maps (repository, commit) pairs to checkout directories under a
// single root.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// EnsureRoot creates the workspace root if missing.
func (m *Manager) EnsureRoot() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}
	return nil
}

// Path returns the checkout directory for a commit.
func (m *Manager) Path(repoID int64, commitHash string) (string, error) {
	if !hashRE.MatchString(commitHash) {
		return "", fmt.Errorf("invalid commit hash %q", commitHash)
	}
	short := commitHash
	if len(short) > shortHashLen {
		short = short[:shortHashLen]
	}
	return filepath.Join(m.root, fmt.Sprintf("repo-%d-%s", repoID, short)), nil
}

// Exists reports whether the checkout directory is present and non-empty.
func (m *Manager) Exists(repoID int64, commitHash string) bool {
	dir, err := m.Path(repoID, commitHash)
	if err != nil {
		return false
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Create materializes a commit of repoPath into its checkout directory and
// returns that directory. Creating an already materialized checkout is a
// no-op.
func (m *Manager) Create(ctx context.Context, repoPath string, repoID int64, commitHash string) (string, error) {
	dir, err := m.Path(repoID, commitHash)
	if err != nil {
		return "", err
	}
	if err := gitrepo.CheckoutWorktree(ctx, repoPath, commitHash, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// Delete tears down the checkout directory for a commit.
func (m *Manager) Delete(ctx context.Context, repoPath string, repoID int64, commitHash string) error {
	dir, err := m.Path(repoID, commitHash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return gitrepo.RemoveWorktree(ctx, repoPath, dir)
}
