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

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/gitnexus/gitnexus/pkg/crypto"
	"github.com/gitnexus/gitnexus/pkg/envvars"
	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/logbuffer"
	"github.com/gitnexus/gitnexus/pkg/replay"
	"github.com/gitnexus/gitnexus/pkg/server"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
	"github.com/gitnexus/gitnexus/pkg/version"
	"github.com/gitnexus/gitnexus/pkg/watchlist"
	"github.com/gitnexus/gitnexus/pkg/workspace"
)

// logRetention is how long persisted log rows are kept.
const logRetention = 7 * 24 * time.Hour

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand runs the API server.
type ServerCommand struct {
	cli.BaseCommand

	cfg *server.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the gitnexus API server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the local API server: GitHub discovery cache, release watchlist and
  the Replay workspace orchestrator.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &server.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	keybox, err := crypto.Open(ctx, c.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open keybox: %w", err)
	}

	st, err := store.Open(ctx, c.cfg.DatabaseFile())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	workspaces := workspace.NewManager(c.cfg.WorkspacesRoot())
	if err := workspaces.EnsureRoot(); err != nil {
		return fmt.Errorf("failed to create workspaces root: %w", err)
	}

	if swept, err := st.SweepExpiredCache(ctx, c.cfg.CacheTTL); err != nil {
		logger.WarnContext(ctx, "cache sweep failed", "error", err)
	} else if swept > 0 {
		logger.InfoContext(ctx, "swept expired cache entries", "count", swept)
	}
	if purged, err := st.PurgeLogsBefore(ctx, time.Now().UTC().Add(-logRetention)); err != nil {
		logger.WarnContext(ctx, "log purge failed", "error", err)
	} else if purged > 0 {
		logger.InfoContext(ctx, "purged old log rows", "count", purged)
	}

	// Tee logs into the store so /api/logs can show them.
	buf := logbuffer.New(st)
	logger = slog.New(buf.Handler(logger.Handler(), "server"))
	ctx = logging.WithLogger(ctx, logger)

	logCtx, cancelLogs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLogs()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		if err := buf.Run(logCtx); err != nil {
			logger.ErrorContext(ctx, "log drain worker failed", "error", err)
		}
	}()

	client := githubclient.New(c.cfg.GitHubAPIURL, st)
	tokens := token.New(c.cfg.GitHubToken, st, keybox)
	env := envvars.New(st, keybox)
	engine := watchlist.New(st, client)
	orch := replay.NewOrchestrator(c.cfg.BaseServerPort, replay.NewStaticHTMLAdapter())

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	srv := server.NewServer(ctx, c.cfg, h, st, client, tokens, engine, orch, workspaces, env)

	httpServer, err := serving.New(c.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to create serving infrastructure: %w", err)
	}
	serveErr := httpServer.StartHTTPHandler(ctx, srv.Routes(ctx))

	// Shutdown: requests have drained; flush logs, release the client, then
	// stop workspace servers.
	cancelLogs()
	<-logDone
	client.Close()

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelStop()
	orch.StopAll(stopCtx)

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}
