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

// Package gitrepo reads local git repositories: validation, cloning, history
// listing, and per-commit workspace materialization.
package gitrepo

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/gitnexus/gitnexus/pkg/store"
)

// shortHashLen matches the abbreviated hash length shown in listings.
const shortHashLen = 7

// IsValidRepo reports whether path holds a git repository.
func IsValidRepo(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

// RepoName derives a display name from a repository path.
func RepoName(path string) string {
	return filepath.Base(filepath.Clean(path))
}

// Clone clones a remote repository into dest.
func Clone(ctx context.Context, remoteURL, dest string) error {
	if _, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL: remoteURL,
	}); err != nil {
		return fmt.Errorf("failed to clone %s: %w", remoteURL, err)
	}
	return nil
}

// Commits lists history in chronological order, oldest first, ready for
// dense numbering. branch walks a named branch instead of HEAD; limit, when
// positive, keeps only the newest limit commits.
func Commits(ctx context.Context, path, branch string, limit int) ([]*store.Commit, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	var from plumbing.Hash
	if branch != "" {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve branch %q: %w", branch, err)
		}
		from = ref.Hash()
	} else {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		from = head.Hash()
	}

	iter, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, fmt.Errorf("failed to walk history: %w", err)
	}
	defer iter.Close()

	var commits []*store.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash := c.Hash.String()
		commits = append(commits, &store.Commit{
			Hash:        hash,
			ShortHash:   hash[:shortHashLen],
			Message:     strings.TrimRight(c.Message, "\n"),
			Author:      c.Author.Name,
			AuthorEmail: c.Author.Email,
			Date:        c.Author.When.UTC(),
		})
		// Log order is newest first, so a cap keeps the newest commits.
		if limit > 0 && len(commits) == limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	// Log order is newest first; flip to oldest first.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}
