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

package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/abcxyz/pkg/testutil"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		cfg    *Config
		expErr string
	}{
		{
			name: "valid",
			cfg: &Config{
				DataDir:        "data",
				BaseServerPort: 9000,
				CacheTTL:       time.Hour,
			},
		},
		{
			name: "missing_data_dir",
			cfg: &Config{
				BaseServerPort: 9000,
				CacheTTL:       time.Hour,
			},
			expErr: `DATA_DIR is required`,
		},
		{
			name: "base_port_zero",
			cfg: &Config{
				DataDir:  "data",
				CacheTTL: time.Hour,
			},
			expErr: `BASE_SERVER_PORT must be between 1 and 65535`,
		},
		{
			name: "base_port_too_high",
			cfg: &Config{
				DataDir:        "data",
				BaseServerPort: 70000,
				CacheTTL:       time.Hour,
			},
			expErr: `BASE_SERVER_PORT must be between 1 and 65535`,
		},
		{
			name: "cache_ttl_negative",
			cfg: &Config{
				DataDir:        "data",
				BaseServerPort: 9000,
				CacheTTL:       -time.Minute,
			},
			expErr: `CACHE_TTL must be positive`,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.expErr); diff != "" {
				t.Errorf(diff)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{DataDir: "/srv/gitnexus"}
	if got, want := cfg.DatabaseFile(), filepath.Join("/srv/gitnexus", "gitnexus.db"); got != want {
		t.Errorf("database file: got %q, want %q", got, want)
	}
	if got, want := cfg.WorkspacesRoot(), filepath.Join("/srv/gitnexus", "workspaces"); got != want {
		t.Errorf("workspaces root: got %q, want %q", got, want)
	}

	cfg.DatabasePath = "/elsewhere/db.sqlite"
	cfg.WorkspacesDir = "/elsewhere/ws"
	if got := cfg.DatabaseFile(); got != "/elsewhere/db.sqlite" {
		t.Errorf("database override: got %q", got)
	}
	if got := cfg.WorkspacesRoot(); got != "/elsewhere/ws" {
		t.Errorf("workspaces override: got %q", got)
	}
}
