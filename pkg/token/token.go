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

// Package token resolves the GitHub credential for an API call. A token can
// arrive on the request itself, from the process environment, or from the
// encrypted database setting; the resolved source is attributed on every
// rate limit observation.
package token

import (
	"context"
	"fmt"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/store"
)

// Credential sources, in resolution order. SourceRequest wins over SourceEnv,
// which wins over SourceDB. SourceNone means unauthenticated.
const (
	SourceRequest = "authed"
	SourceEnv     = "env"
	SourceDB      = "db"
	SourceNone    = "none"
)

// Credential is a resolved token plus where it came from.
type Credential struct {
	Token  string
	Source string
}

// Authenticated reports whether the credential carries a token.
func (c Credential) Authenticated() bool {
	return c.Token != ""
}

// Resolver picks the credential for each call.
type Resolver struct {
	envToken string
	store    *store.Store
	keybox   *crypto.Keybox
}

// New creates a Resolver. envToken is the token from the process environment
// or flags, and may be empty.
func New(envToken string, s *store.Store, kb *crypto.Keybox) *Resolver {
	return &Resolver{envToken: envToken, store: s, keybox: kb}
}

// Resolve returns the credential for one call. requestToken, when non-empty,
// always wins. A stored token that fails to decrypt is skipped silently; the
// caller proceeds unauthenticated rather than failing the request.
func (r *Resolver) Resolve(ctx context.Context, requestToken string) Credential {
	if requestToken != "" {
		return Credential{Token: requestToken, Source: SourceRequest}
	}
	if r.envToken != "" {
		return Credential{Token: r.envToken, Source: SourceEnv}
	}

	ciphertext, ok, err := r.store.GetConfig(ctx, store.ConfigKeyGitHubToken)
	if err == nil && ok && ciphertext != "" {
		if tok := r.keybox.Decrypt(ciphertext); tok != "" {
			return Credential{Token: tok, Source: SourceDB}
		}
	}
	return Credential{Source: SourceNone}
}

// Save encrypts and stores a token in the database.
func (r *Resolver) Save(ctx context.Context, token string) error {
	ciphertext, err := r.keybox.Encrypt(token)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	if err := r.store.SetConfig(ctx, store.ConfigKeyGitHubToken, ciphertext); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Delete removes the stored token.
func (r *Resolver) Delete(ctx context.Context) error {
	if err := r.store.DeleteConfig(ctx, store.ConfigKeyGitHubToken); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// HasStored reports whether an encrypted token exists in the database,
// without decrypting it.
func (r *Resolver) HasStored(ctx context.Context) (bool, error) {
	v, ok, err := r.store.GetConfig(ctx, store.ConfigKeyGitHubToken)
	if err != nil {
		return false, fmt.Errorf("failed to read stored token: %w", err)
	}
	return ok && v != "", nil
}
