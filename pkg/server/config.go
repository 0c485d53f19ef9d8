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
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/abcxyz/pkg/cli"

	"github.com/gitnexus/gitnexus/pkg/replay"
	"github.com/gitnexus/gitnexus/pkg/store"
)

// Config defines the set of environment variables and flags required for
// running the API server.
type Config struct {
	Port           string
	DataDir        string
	DatabasePath   string
	WorkspacesDir  string
	GitHubAPIURL   string
	GitHubToken    string
	BaseServerPort int
	CacheTTL       time.Duration
	CORSOrigins    []string
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.DataDir == "" {
		merr = errors.Join(merr, fmt.Errorf("DATA_DIR is required"))
	}

	if cfg.BaseServerPort <= 0 || cfg.BaseServerPort > 65535 {
		merr = errors.Join(merr, fmt.Errorf("BASE_SERVER_PORT must be between 1 and 65535"))
	}

	if cfg.CacheTTL <= 0 {
		merr = errors.Join(merr, fmt.Errorf("CACHE_TTL must be positive"))
	}

	return merr
}

// DatabaseFile returns the database path, defaulting under the data
// directory.
func (cfg *Config) DatabaseFile() string {
	if cfg.DatabasePath != "" {
		return cfg.DatabasePath
	}
	return filepath.Join(cfg.DataDir, "gitnexus.db")
}

// WorkspacesRoot returns the workspaces directory, defaulting under the data
// directory.
func (cfg *Config) WorkspacesRoot() string {
	if cfg.WorkspacesDir != "" {
		return cfg.WorkspacesDir
	}
	return filepath.Join(cfg.DataDir, "workspaces")
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8000",
		Usage:   `The port the API server listens on.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "data-dir",
		Target:  &cfg.DataDir,
		EnvVar:  "DATA_DIR",
		Default: "data",
		Usage:   `Directory holding the database, key file and workspaces.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "database-path",
		Target: &cfg.DatabasePath,
		EnvVar: "DATABASE_PATH",
		Usage:  `Path to the sqlite database file. Defaults under the data directory.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "workspaces-dir",
		Target: &cfg.WorkspacesDir,
		EnvVar: "WORKSPACES_DIR",
		Usage:  `Directory for per-commit checkouts. Defaults under the data directory.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-api-url",
		Target: &cfg.GitHubAPIURL,
		EnvVar: "GITHUB_API_URL",
		Usage:  `Override for the GitHub API endpoint.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-token",
		Target: &cfg.GitHubToken,
		EnvVar: "GITHUB_TOKEN",
		Usage:  `GitHub personal access token used when no request token is supplied.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "base-server-port",
		Target:  &cfg.BaseServerPort,
		EnvVar:  "BASE_SERVER_PORT",
		Default: replay.DefaultBasePort,
		Usage:   `First port probed when assigning workspace server ports.`,
	})

	f.DurationVar(&cli.DurationVar{
		Name:    "cache-ttl",
		Target:  &cfg.CacheTTL,
		EnvVar:  "CACHE_TTL",
		Default: store.ReleaseCacheTTL,
		Usage:   `Freshness window for cached GitHub responses.`,
	})

	f.StringSliceVar(&cli.StringSliceVar{
		Name:    "cors-origins",
		Target:  &cfg.CORSOrigins,
		EnvVar:  "CORS_ORIGINS",
		Default: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		Usage:   `Origins allowed to call the API from a browser.`,
	})

	return set
}
