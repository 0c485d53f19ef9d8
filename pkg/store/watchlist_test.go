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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStore_AddTracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)

	id, err := s.AddTracked(ctx, &TrackedRepo{Owner: "cli", RepoName: "cli"})
	if err != nil {
		t.Fatalf("failed to add tracked repo: %v", err)
	}
	if id == 0 {
		t.Error("expected a non-zero id")
	}

	got, err := s.TrackedByOwnerName(ctx, "cli", "cli")
	if err != nil {
		t.Fatalf("failed to look up tracked repo: %v", err)
	}
	if got == nil {
		t.Fatal("expected tracked repo")
	}
	if got.CurrentVersion != StatusNotChecked {
		t.Errorf("current version: got %q, want %q", got.CurrentVersion, StatusNotChecked)
	}
}

func TestStore_RemoveTracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)

	id, err := s.AddTracked(ctx, &TrackedRepo{Owner: "cli", RepoName: "cli"})
	if err != nil {
		t.Fatalf("failed to add tracked repo: %v", err)
	}

	existed, err := s.RemoveTracked(ctx, id)
	if err != nil {
		t.Fatalf("failed to remove tracked repo: %v", err)
	}
	if !existed {
		t.Error("expected removal to report existence")
	}

	existed, err = s.RemoveTracked(ctx, id)
	if err != nil {
		t.Fatalf("failed to remove tracked repo again: %v", err)
	}
	if existed {
		t.Error("expected second removal to report absence")
	}
}

func TestStore_ReorderTracked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)

	var ids []int64
	for _, name := range []string{"one", "two", "three"} {
		id, err := s.AddTracked(ctx, &TrackedRepo{Owner: "octo", RepoName: name})
		if err != nil {
			t.Fatalf("failed to add tracked repo: %v", err)
		}
		ids = append(ids, id)
	}

	// Reverse the visible order.
	if err := s.ReorderTracked(ctx, []int64{ids[2], ids[1], ids[0]}); err != nil {
		t.Fatalf("failed to reorder: %v", err)
	}

	repos, err := s.ListTracked(ctx)
	if err != nil {
		t.Fatalf("failed to list tracked repos: %v", err)
	}

	var names []string
	for _, r := range repos {
		names = append(names, r.RepoName)
	}
	want := []string{"three", "two", "one"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("order (-want, +got):\n%s", diff)
	}
}

func TestStore_ApplyTrackedUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)

	id1, err := s.AddTracked(ctx, &TrackedRepo{Owner: "octo", RepoName: "alpha"})
	if err != nil {
		t.Fatalf("failed to add tracked repo: %v", err)
	}
	id2, err := s.AddTracked(ctx, &TrackedRepo{Owner: "octo", RepoName: "beta"})
	if err != nil {
		t.Fatalf("failed to add tracked repo: %v", err)
	}

	found, err := s.ApplyTrackedUpdates(ctx, []*TrackedUpdate{
		{RepoID: id1, NewLatest: "v2.0.0", Updated: true},
		{RepoID: id2, NewLatest: "v1.0.0", Updated: false, PromoteCurrent: true},
	})
	if err != nil {
		t.Fatalf("failed to apply updates: %v", err)
	}
	if found != 1 {
		t.Errorf("updated count: got %d, want 1", found)
	}

	r1, err := s.TrackedByOwnerName(ctx, "octo", "alpha")
	if err != nil {
		t.Fatalf("failed to look up alpha: %v", err)
	}
	if r1.LatestVersion != "v2.0.0" {
		t.Errorf("alpha latest: got %q, want v2.0.0", r1.LatestVersion)
	}
	if r1.CurrentVersion != StatusNotChecked {
		t.Errorf("alpha current: got %q, want untouched sentinel", r1.CurrentVersion)
	}
	if r1.LastChecked == nil {
		t.Error("alpha last_checked: expected a timestamp")
	}

	r2, err := s.TrackedByOwnerName(ctx, "octo", "beta")
	if err != nil {
		t.Fatalf("failed to look up beta: %v", err)
	}
	if r2.CurrentVersion != "v1.0.0" {
		t.Errorf("beta current: got %q, want v1.0.0", r2.CurrentVersion)
	}
}
