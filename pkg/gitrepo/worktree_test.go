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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tarArchive(tb testing.TB, entries map[string]string) *bytes.Buffer {
	tb.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		if content == "" && name[len(name)-1] == '/' {
			if err := tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}); err != nil {
				tb.Fatalf("failed to write dir header: %v", err)
			}
			continue
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}); err != nil {
			tb.Fatalf("failed to write file header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			tb.Fatalf("failed to write file body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		tb.Fatalf("failed to close archive: %v", err)
	}
	return &buf
}

func TestExtractTar(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	buf := tarArchive(t, map[string]string{
		"src/":        "",
		"src/main.go": "package main",
		"README.md":   "hello",
	})

	if err := extractTar(buf, dest); err != nil {
		t.Fatalf("failed to extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "src", "main.go"))
	if err != nil {
		t.Fatalf("failed to read extracted file: %v", err)
	}
	if string(got) != "package main" {
		t.Errorf("content: got %q", got)
	}
}

func TestExtractTar_RejectsUnsafePaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		entry string
	}{
		{name: "parent_reference", entry: "../escape.txt"},
		{name: "nested_parent_reference", entry: "ok/../../escape.txt"},
		{name: "absolute_path", entry: "/etc/escape.txt"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dest := t.TempDir()
			buf := tarArchive(t, map[string]string{tc.entry: "payload"})

			err := extractTar(buf, dest)
			if !errors.Is(err, errUnsafeTarPath) {
				t.Errorf("expected unsafe path rejection, got %v", err)
			}
		})
	}
}

func TestExtractTar_SkipsSpecialEntries(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     "link",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}

	if err := extractTar(&buf, dest); err != nil {
		t.Fatalf("failed to extract: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "link")); !os.IsNotExist(err) {
		t.Error("expected symlink entry to be skipped")
	}
}
