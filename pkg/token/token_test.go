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

package token

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/store"
)

func testDeps(tb testing.TB) (*store.Store, *crypto.Keybox) {
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
	return s, kb
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		envToken     string
		storedToken  string
		requestToken string
		wantToken    string
		wantSource   string
	}{
		{
			name:         "request_wins_over_all",
			envToken:     "env-tok",
			storedToken:  "db-tok",
			requestToken: "req-tok",
			wantToken:    "req-tok",
			wantSource:   SourceRequest,
		},
		{
			name:        "env_wins_over_db",
			envToken:    "env-tok",
			storedToken: "db-tok",
			wantToken:   "env-tok",
			wantSource:  SourceEnv,
		},
		{
			name:        "db_when_no_env",
			storedToken: "db-tok",
			wantToken:   "db-tok",
			wantSource:  SourceDB,
		},
		{
			name:       "none_when_nothing",
			wantToken:  "",
			wantSource: SourceNone,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s, kb := testDeps(t)
			r := New(tc.envToken, s, kb)

			if tc.storedToken != "" {
				if err := r.Save(ctx, tc.storedToken); err != nil {
					t.Fatalf("failed to save token: %v", err)
				}
			}

			got := r.Resolve(ctx, tc.requestToken)
			if got.Token != tc.wantToken {
				t.Errorf("token: got %q, want %q", got.Token, tc.wantToken)
			}
			if got.Source != tc.wantSource {
				t.Errorf("source: got %q, want %q", got.Source, tc.wantSource)
			}
			if got.Authenticated() != (tc.wantToken != "") {
				t.Errorf("authenticated: got %t", got.Authenticated())
			}
		})
	}
}

func TestResolver_UndecryptableStoredTokenIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, kb := testDeps(t)

	// Store ciphertext under a different key, as if the key file was lost.
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	other, err := crypto.NewWithKey(otherKey)
	if err != nil {
		t.Fatalf("failed to open keybox: %v", err)
	}
	ciphertext, err := other.Encrypt("orphaned-token")
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	if err := s.SetConfig(ctx, store.ConfigKeyGitHubToken, ciphertext); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	got := New("", s, kb).Resolve(ctx, "")
	if got.Source != SourceNone || got.Token != "" {
		t.Errorf("expected unauthenticated fallback, got %+v", got)
	}
}

func TestResolver_SaveDeleteHasStored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, kb := testDeps(t)
	r := New("", s, kb)

	has, err := r.HasStored(ctx)
	if err != nil {
		t.Fatalf("failed to check stored token: %v", err)
	}
	if has {
		t.Error("expected no stored token")
	}

	if err := r.Save(ctx, "my-token"); err != nil {
		t.Fatalf("failed to save token: %v", err)
	}
	has, err = r.HasStored(ctx)
	if err != nil {
		t.Fatalf("failed to check stored token: %v", err)
	}
	if !has {
		t.Error("expected a stored token")
	}

	// The stored value must be ciphertext.
	raw, _, err := s.GetConfig(ctx, store.ConfigKeyGitHubToken)
	if err != nil {
		t.Fatalf("failed to read raw config: %v", err)
	}
	if raw == "my-token" {
		t.Error("stored token is plaintext")
	}

	if err := r.Delete(ctx); err != nil {
		t.Fatalf("failed to delete token: %v", err)
	}
	got := r.Resolve(ctx, "")
	if got.Source != SourceNone {
		t.Errorf("expected none after delete, got %q", got.Source)
	}
}
