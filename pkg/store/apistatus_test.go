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
	"time"
)

func TestStore_RecordRateLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		observations  [][4]any
		wantLimit     int64
		wantRemaining int64
		wantSource    string
	}{
		{
			name: "first_observation_inserts",
			observations: [][4]any{
				{int64(5000), int64(4999), int64(1700000000), "env"},
			},
			wantLimit:     5000,
			wantRemaining: 4999,
			wantSource:    "env",
		},
		{
			name: "unauthenticated_downgrade_dropped",
			observations: [][4]any{
				{int64(5000), int64(4999), int64(1700000000), "db"},
				{int64(60), int64(59), int64(1700000100), "none"},
			},
			wantLimit:     5000,
			wantRemaining: 4999,
			wantSource:    "db",
		},
		{
			name: "authenticated_downgrade_applies",
			observations: [][4]any{
				{int64(5000), int64(4999), int64(1700000000), "env"},
				{int64(1000), int64(900), int64(1700000100), "db"},
			},
			wantLimit:     1000,
			wantRemaining: 900,
			wantSource:    "db",
		},
		{
			name: "unauthenticated_over_unauthenticated_applies",
			observations: [][4]any{
				{int64(60), int64(59), int64(1700000000), "none"},
				{int64(60), int64(30), int64(1700000100), "none"},
			},
			wantLimit:     60,
			wantRemaining: 30,
			wantSource:    "none",
		},
		{
			name: "upgrade_from_none_applies",
			observations: [][4]any{
				{int64(60), int64(59), int64(1700000000), "none"},
				{int64(5000), int64(5000), int64(1700000100), "env"},
			},
			wantLimit:     5000,
			wantRemaining: 5000,
			wantSource:    "env",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := testStore(t)

			for _, o := range tc.observations {
				if err := s.RecordRateLimit(ctx, o[0].(int64), o[1].(int64), o[2].(int64), o[3].(string)); err != nil {
					t.Fatalf("failed to record rate limit: %v", err)
				}
			}

			snap, err := s.RateLimit(ctx)
			if err != nil {
				t.Fatalf("failed to read rate limit: %v", err)
			}
			if snap == nil {
				t.Fatal("expected a snapshot")
			}
			if snap.Limit != tc.wantLimit {
				t.Errorf("limit: got %d, want %d", snap.Limit, tc.wantLimit)
			}
			if snap.Remaining != tc.wantRemaining {
				t.Errorf("remaining: got %d, want %d", snap.Remaining, tc.wantRemaining)
			}
			if snap.TokenSource != tc.wantSource {
				t.Errorf("token source: got %q, want %q", snap.TokenSource, tc.wantSource)
			}
		})
	}
}

func TestStore_RateLimitEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStore(t)

	snap, err := s.RateLimit(ctx)
	if err != nil {
		t.Fatalf("failed to read rate limit: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot, got %+v", snap)
	}
}

func TestRateLimitSnapshot_Stale(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)

	cases := []struct {
		name string
		snap *RateLimitSnapshot
		want bool
	}{
		{
			name: "reset_in_future",
			snap: &RateLimitSnapshot{ResetTime: now.Unix() + 60},
			want: false,
		},
		{
			name: "reset_passed",
			snap: &RateLimitSnapshot{ResetTime: now.Unix() - 60},
			want: true,
		},
		{
			name: "zero_reset_never_stale",
			snap: &RateLimitSnapshot{ResetTime: 0},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.snap.Stale(now); got != tc.want {
				t.Errorf("Stale: got %t, want %t", got, tc.want)
			}
		})
	}
}
