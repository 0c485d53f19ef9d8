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

package gitrepo

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

// CheckoutWorktree materializes a commit at targetDir. An existing non-empty
// target is accepted as already checked out. A failed worktree add falls back
// to a git archive export; on total failure any partial output is removed.
func CheckoutWorktree(ctx context.Context, repoPath, commitHash, targetDir string) error {
	logger := logging.FromContext(ctx)

	if entries, err := os.ReadDir(targetDir); err == nil && len(entries) > 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent: %w", err)
	}

	worktreeErr := runGit(ctx, repoPath, "worktree", "add", "--detach", targetDir, commitHash)
	if worktreeErr == nil {
		return nil
	}
	logger.WarnContext(ctx, "worktree add failed, falling back to archive export",
		"commit", commitHash,
		"error", worktreeErr)

	if err := archiveExport(ctx, repoPath, commitHash, targetDir); err != nil {
		if rmErr := os.RemoveAll(targetDir); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove partial checkout",
				"target", targetDir,
				"error", rmErr)
		}
		return fmt.Errorf("failed to materialize commit %s: %w (worktree add: %v)",
			commitHash, err, worktreeErr)
	}
	return nil
}

// RemoveWorktree tears down a materialized commit. A worktree that git no
// longer knows about is removed from disk directly.
func RemoveWorktree(ctx context.Context, repoPath, targetDir string) error {
	if err := runGit(ctx, repoPath, "worktree", "remove", "--force", targetDir); err == nil {
		return nil
	}
	if err := os.RemoveAll(targetDir); err != nil {
		return fmt.Errorf("failed to remove workspace directory: %w", err)
	}
	// Drop any stale worktree bookkeeping; errors here are harmless.
	_ = runGit(ctx, repoPath, "worktree", "prune")
	return nil
}

// runGit executes one git command against a repository.
func runGit(ctx context.Context, repoPath string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(string(out)))
	}
	return nil
}

// archiveExport streams `git archive` for a commit into targetDir.
func archiveExport(ctx context.Context, repoPath, commitHash, targetDir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "archive", "--format=tar", commitHash)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open archive pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start git archive: %w", err)
	}

	extractErr := extractTar(stdout, targetDir)
	waitErr := cmd.Wait()
	if extractErr != nil {
		return extractErr
	}
	if waitErr != nil {
		return fmt.Errorf("git archive failed: %w: %s", waitErr,
			strings.TrimSpace(stderr.String()))
	}
	return nil
}

// errUnsafeTarPath rejects archive entries that would write outside the
// destination.
var errUnsafeTarPath = errors.New("unsafe path in archive")

// extractTar unpacks a tar stream into dest, refusing absolute paths, parent
// references, and anything else that escapes dest. Entry types other than
// directories and regular files are skipped.
func extractTar(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := hdr.Name
		if name == "" {
			continue
		}
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("%w: %q", errUnsafeTarPath, name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		rel, err := filepath.Rel(dest, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %q", errUnsafeTarPath, name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %q: %w", name, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("failed to create file %q: %w", name, err)
			}
			if _, err := io.Copy(f, tr); err != nil { //nolint:gosec
				f.Close()
				return fmt.Errorf("failed to write file %q: %w", name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close file %q: %w", name, err)
			}
		default:
			// Symlinks and special files are not materialized.
		}
	}
}
