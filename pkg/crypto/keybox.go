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

// Package crypto manages the symmetric key used to protect tokens and
// environment variable values at rest.
package crypto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fernet/fernet-go"

	"github.com/abcxyz/pkg/logging"
)

// EnvKeyName is the environment variable consulted for the encryption key.
// It takes precedence over the on-disk key file.
const EnvKeyName = "FERNET_KEY"

// keyFileName is the legacy fallback location under the data directory.
const keyFileName = "secret.key"

// Keybox wraps a Fernet key and performs encrypt/decrypt of string values.
// An empty plaintext maps to an empty ciphertext and vice versa.
type Keybox struct {
	key *fernet.Key
}

// Open loads the encryption key, preferring the environment, then the key
// file under dataDir, and finally generating and persisting a fresh key.
func Open(ctx context.Context, dataDir string) (*Keybox, error) {
	logger := logging.FromContext(ctx)

	if raw := os.Getenv(EnvKeyName); raw != "" {
		key, err := fernet.DecodeKey(raw)
		if err != nil {
			logger.WarnContext(ctx, "invalid key in environment, falling back to key file",
				"error", err)
		} else {
			return &Keybox{key: key}, nil
		}
	}

	keyFile := filepath.Join(dataDir, keyFileName)
	if raw, err := os.ReadFile(keyFile); err == nil {
		key, err := fernet.DecodeKey(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode key file %s: %w", keyFile, err)
		}
		return &Keybox{key: key}, nil
	}

	// First run: generate a key and persist it for next time.
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(key.Encode()), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	logger.WarnContext(ctx, "generated new encryption key, consider moving it to the environment",
		"env_var", EnvKeyName,
		"key_file", keyFile)

	return &Keybox{key: &key}, nil
}

// NewWithKey builds a Keybox from an encoded Fernet key. It is mostly useful
// for tests.
func NewWithKey(encoded string) (*Keybox, error) {
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return &Keybox{key: key}, nil
}

// GenerateKey returns a fresh encoded Fernet key.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return key.Encode(), nil
}

// Encrypt encrypts a plaintext string. Empty input returns empty output.
func (k *Keybox) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k.key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt value: %w", err)
	}
	return string(tok), nil
}

// Decrypt decrypts a ciphertext string. It returns the empty string when the
// ciphertext is empty, was produced under a different key, or is corrupted.
func (k *Keybox) Decrypt(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{k.key})
	if msg == nil {
		return ""
	}
	return string(msg)
}
