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

package replay

import (
	"context"
	"errors"
	"os"
)

// ErrPortBind signals that a workspace server could not bind its assigned
// port. The orchestrator retries these with a fresh port.
var ErrPortBind = errors.New("port already in use")

// Handle is a running workspace server process.
type Handle interface {
	// Done is closed (or receives once) when the process exits.
	Done() <-chan error

	// Signal delivers a signal to the process.
	Signal(sig os.Signal) error

	// Kill terminates the process immediately.
	Kill() error
}

// StartSpec describes how an adapter should launch a workspace server.
type StartSpec struct {
	// Dir is the materialized checkout to serve.
	Dir string

	// Port is the local port to bind on the loopback interface.
	Port int

	// Env holds extra environment variables for the server process.
	Env map[string]string
}

// Adapter knows how to validate and serve one kind of project.
type Adapter interface {
	// Name identifies the adapter in API responses.
	Name() string

	// Validate reports whether a checkout can be served. The returned error
	// is user-facing.
	Validate(dir string) error

	// Start launches the server and confirms it is answering.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// URL returns the browsable address for a started server.
	URL(port int) string
}
