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

package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_Path(t *testing.T) {
	t.Parallel()

	m := NewManager("/data/workspaces")

	cases := []struct {
		name    string
		repoID  int64
		hash    string
		want    string
		wantErr bool
	}{
		{
			name:   "full_hash_shortened",
			repoID: 3,
			hash:   "0123456789abcdef0123456789abcdef01234567",
			want:   filepath.Join("/data/workspaces", "repo-3-0123456"),
		},
		{
			name:   "short_hash_kept",
			repoID: 1,
			hash:   "abc1234",
			want:   filepath.Join("/data/workspaces", "repo-1-abc1234"),
		},
		{
			name:    "too_short",
			repoID:  1,
			hash:    "abc",
			wantErr: true,
		},
		{
			name:    "too_long",
			repoID:  1,
			hash:    strings.Repeat("a", 41),
			wantErr: true,
		},
		{
			name:    "path_traversal",
			repoID:  1,
			hash:    "../../etc/passwd",
			wantErr: true,
		},
		{
			name:    "non_hex",
			repoID:  1,
			hash:    "zzzzzzz",
			wantErr: true,
		},
		{
			name:    "empty",
			repoID:  1,
			hash:    "",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := m.Path(tc.repoID, tc.hash)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err: got %v, wantErr=%t", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("path: got %q, want %q", got, tc.want)
			}
			if err == nil && !strings.HasPrefix(got, "/data/workspaces") {
				t.Errorf("path escapes root: %q", got)
			}
		})
	}
}

func TestManager_EnsureRootAndExists(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "workspaces")
	m := NewManager(root)

	if err := m.EnsureRoot(); err != nil {
		t.Fatalf("failed to ensure root: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("root not created: %v", err)
	}

	if m.Exists(1, "abc1234") {
		t.Error("expected missing checkout to not exist")
	}

	dir, err := m.Path(1, "abc1234")
	if err != nil {
		t.Fatalf("failed to build path: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	// An empty directory does not count as materialized.
	if m.Exists(1, "abc1234") {
		t.Error("expected empty checkout to not exist")
	}

	if err := os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if !m.Exists(1, "abc1234") {
		t.Error("expected populated checkout to exist")
	}
}
