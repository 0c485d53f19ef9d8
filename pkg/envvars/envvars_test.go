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

package envvars

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/google/go-cmp/cmp"
)

func testResolver(tb testing.TB) (*Resolver, *store.Store) {
	tb.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("failed to open store: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Errorf("failed to close store: %v", err)
		}
	})

	key, err := crypto.GenerateKey()
	if err != nil {
		tb.Fatalf("failed to generate key: %v", err)
	}
	kb, err := crypto.NewWithKey(key)
	if err != nil {
		tb.Fatalf("failed to open keybox: %v", err)
	}
	return New(s, kb), s
}

func TestResolver_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := testResolver(t)

	created, err := r.Replace(ctx, Global(), []*Variable{
		{Key: "API_KEY", Value: "s3cret"},
		{Key: "EMPTY", Value: ""},
	})
	if err != nil {
		t.Fatalf("failed to replace vars: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created vars, got %d", len(created))
	}

	// Values at rest must not be plaintext.
	rows, err := s.EnvVars(ctx, ScopeGlobal, nil, nil)
	if err != nil {
		t.Fatalf("failed to read raw rows: %v", err)
	}
	for _, row := range rows {
		if row.Key == "API_KEY" && row.Value == "s3cret" {
			t.Error("stored value is plaintext")
		}
	}

	vars, err := r.Scoped(ctx, Global())
	if err != nil {
		t.Fatalf("failed to read vars: %v", err)
	}
	got := map[string]string{}
	for _, v := range vars {
		got[v.Key] = v.Value
	}
	want := map[string]string{"API_KEY": "s3cret", "EMPTY": ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vars (-want, +got):\n%s", diff)
	}
}

func TestResolver_LegacyPlaintextFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, s := testResolver(t)

	// Simulate a row written before encryption existed.
	if _, err := s.ReplaceEnvVars(ctx, ScopeGlobal, nil, nil, []*store.EnvVarRow{
		{Key: "LEGACY", Value: "plain-value"},
	}); err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	vars, err := r.Scoped(ctx, Global())
	if err != nil {
		t.Fatalf("failed to read vars: %v", err)
	}
	if len(vars) != 1 || vars[0].Value != "plain-value" {
		t.Errorf("expected plaintext fallback, got %+v", vars)
	}
}

func TestResolver_Merged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testResolver(t)

	repoID := int64(3)
	hash := "abc1234"

	if _, err := r.Replace(ctx, Global(), []*Variable{
		{Key: "A", Value: "1"},
		{Key: "B", Value: "2"},
	}); err != nil {
		t.Fatalf("failed to set global vars: %v", err)
	}
	if _, err := r.Replace(ctx, Project(repoID), []*Variable{
		{Key: "B", Value: "20"},
		{Key: "C", Value: "30"},
	}); err != nil {
		t.Fatalf("failed to set project vars: %v", err)
	}
	if _, err := r.Replace(ctx, PerCommit(repoID, hash), []*Variable{
		{Key: "C", Value: "300"},
		{Key: "D", Value: "400"},
	}); err != nil {
		t.Fatalf("failed to set commit vars: %v", err)
	}

	got, err := r.Merged(ctx, repoID, hash)
	if err != nil {
		t.Fatalf("failed to merge vars: %v", err)
	}
	want := map[string]string{"A": "1", "B": "20", "C": "300", "D": "400"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged (-want, +got):\n%s", diff)
	}
}

func TestResolver_MergedIgnoresOtherCommits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r, _ := testResolver(t)

	repoID := int64(3)

	if _, err := r.Replace(ctx, PerCommit(repoID, "commit-a"), []*Variable{
		{Key: "X", Value: "for-a"},
	}); err != nil {
		t.Fatalf("failed to set commit vars: %v", err)
	}

	got, err := r.Merged(ctx, repoID, "commit-b")
	if err != nil {
		t.Fatalf("failed to merge vars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty merge for a different commit, got %v", got)
	}
}
