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

	"github.com/abcxyz/pkg/cli"

	"github.com/gitnexus/gitnexus/pkg/replay"
)

var _ cli.Command = (*ServeStaticCommand)(nil)

// ServeStaticCommand is the workspace child process: it serves one checkout
// directory on the loopback interface. The orchestrator spawns it with its
// configuration in the environment.
type ServeStaticCommand struct {
	cli.BaseCommand
}

func (c *ServeStaticCommand) Desc() string {
	return `Serve a static checkout directory (internal)`
}

func (c *ServeStaticCommand) Help() string {
	return `
Usage: {{ COMMAND }}

  Serve a checkout directory over loopback HTTP. Configuration comes from the
  STATIC_PORT and STATIC_DIR environment variables; the orchestrator invokes
  this command, it is not meant to be run by hand.
`
}

func (c *ServeStaticCommand) Flags() *cli.FlagSet {
	return cli.NewFlagSet()
}

func (c *ServeStaticCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if rest := f.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected arguments: %q", rest)
	}

	cfg, err := replay.LoadServeStaticConfig(ctx)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped with context
	}
	return replay.RunServeStatic(ctx, cfg) //nolint:wrapcheck // already wrapped
}
