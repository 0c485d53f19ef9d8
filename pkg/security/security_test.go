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

package security

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "release-v1.2.3.zip", want: "release-v1.2.3.zip"},
		{name: "traversal", in: "../../etc/passwd", want: "etcpasswd"},
		{name: "separators", in: `a/b\c.txt`, want: "abc.txt"},
		{name: "special_chars", in: "inv@lid$name!.bin", want: "invlidname.bin"},
		{name: "leading_dots", in: "...hidden ", want: "hidden"},
		{name: "empty", in: "", want: "downloaded_file"},
		{name: "all_stripped", in: "###", want: "downloaded_file"},
		{name: "spaces_kept", in: "My Asset v2.tar.gz", want: "My Asset v2.tar.gz"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := SanitizeFilename(tc.in)
			if got != tc.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
			}
			// Sanitizing is idempotent.
			if again := SanitizeFilename(got); again != got {
				t.Errorf("not idempotent: SanitizeFilename(%q) = %q", got, again)
			}
		})
	}
}

func TestValidateDownloadPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{name: "home_like", in: filepath.Join(t.TempDir(), "downloads")},
		{name: "etc", in: "/etc/cron.d", wantErr: "strictly forbidden"},
		{name: "usr_nested", in: "/usr/local/share", wantErr: "strictly forbidden"},
		{name: "root_dir", in: "/", wantErr: "root directory"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateDownloadPath(tc.in)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("expected absolute path, got %q", got)
			}
		})
	}
}

func TestIsSafePath(t *testing.T) {
	t.Parallel()

	base := t.TempDir()

	cases := []struct {
		name   string
		target string
		want   bool
	}{
		{name: "inside", target: filepath.Join(base, "repo", "abc1234"), want: true},
		{name: "equal", target: base, want: true},
		{name: "escape_dotdot", target: filepath.Join(base, "..", "other"), want: false},
		{name: "sibling_prefix", target: base + "-sibling", want: false},
		{name: "absolute_elsewhere", target: "/tmp/unrelated", want: false},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := IsSafePath(base, tc.target); got != tc.want {
				t.Errorf("IsSafePath(%q, %q) = %t, want %t", base, tc.target, got, tc.want)
			}
		})
	}
}

func TestValidateDownloadURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{
			name: "objects_ok",
			in:   "https://objects.githubusercontent.com/github-production-release-asset/1/2",
		},
		{
			name: "codeload_ok",
			in:   "https://codeload.github.com/owner/repo/zip/refs/tags/v1.0.0",
		},
		{
			name:    "http_rejected",
			in:      "http://evil.example/payload.bin",
			wantErr: "only https",
		},
		{
			name:    "host_not_allowed",
			in:      "https://evil.example/payload.bin",
			wantErr: "not an allowed download source",
		},
		{
			name:    "lookalike_host",
			in:      "https://github.com.evil.example/x",
			wantErr: "not an allowed download source",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateDownloadURL(tc.in)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
