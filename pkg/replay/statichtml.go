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
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// EnvStaticPort and EnvStaticDir configure the serve-static child
	// process.
	EnvStaticPort = "STATIC_PORT"
	EnvStaticDir  = "STATIC_DIR"

	// livenessTimeout bounds a single liveness probe.
	livenessTimeout = 500 * time.Millisecond

	// startDeadline bounds how long a server gets to come up.
	startDeadline = 5 * time.Second

	// maxListedFiles bounds how many file names a validation error names.
	maxListedFiles = 10
)

// StaticHTMLAdapter serves checkouts that contain a static HTML entry point.
// It launches this same binary's serve-static mode as a child process bound
// to the loopback interface.
type StaticHTMLAdapter struct{}

// NewStaticHTMLAdapter creates the adapter.
func NewStaticHTMLAdapter() *StaticHTMLAdapter {
	return &StaticHTMLAdapter{}
}

// Name implements Adapter.
func (a *StaticHTMLAdapter) Name() string {
	return "static_html"
}

// Validate requires an index.html at the checkout root. The error names what
// was found instead, bounded so a huge checkout stays readable.
func (a *StaticHTMLAdapter) Validate(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err == nil {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read checkout: %w", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) > maxListedFiles {
		names = append(names[:maxListedFiles], "...")
	}
	return fmt.Errorf("no index.html at checkout root (found: %s)",
		strings.Join(names, ", "))
}

// URL implements Adapter.
func (a *StaticHTMLAdapter) URL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/", port)
}

// Start implements Adapter. It spawns the serve-static child and probes it
// until it answers. A child that dies holding a bind error maps to
// ErrPortBind so the orchestrator can retry on another port.
func (a *StaticHTMLAdapter) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(self, "serve-static")
	env := os.Environ()
	env = append(env,
		EnvStaticPort+"="+strconv.Itoa(spec.Port),
		EnvStaticDir+"="+spec.Dir)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var output boundedBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start workspace server: %w", err)
	}

	h := newCmdHandle(cmd)
	if err := a.awaitReady(ctx, h, spec.Port, &output); err != nil {
		_ = h.Kill()
		return nil, err
	}
	return h, nil
}

// awaitReady polls the server until it answers, the process dies, or the
// deadline passes.
func (a *StaticHTMLAdapter) awaitReady(ctx context.Context, h Handle, port int, output *boundedBuffer) error {
	probe := &http.Client{Timeout: livenessTimeout}
	url := a.URL(port)
	deadline := time.After(startDeadline)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("start cancelled: %w", ctx.Err())
		case err := <-h.Done():
			out := output.String()
			if strings.Contains(out, "address already in use") {
				return fmt.Errorf("%w: port %d", ErrPortBind, port)
			}
			return fmt.Errorf("workspace server exited during startup: %v: %s", err, out)
		case <-deadline:
			return fmt.Errorf("workspace server did not answer on port %d", port)
		case <-time.After(50 * time.Millisecond):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build probe request: %w", err)
		}
		resp, err := probe.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
	}
}

// cmdHandle adapts exec.Cmd to Handle.
type cmdHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func newCmdHandle(cmd *exec.Cmd) *cmdHandle {
	h := &cmdHandle{cmd: cmd, done: make(chan error, 1)}
	go func() {
		h.done <- cmd.Wait()
		close(h.done)
	}()
	return h
}

func (h *cmdHandle) Done() <-chan error {
	return h.done
}

func (h *cmdHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig) //nolint:wrapcheck
}

func (h *cmdHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill() //nolint:wrapcheck
}

// boundedBuffer captures process output with a fixed cap.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const boundedBufferCap = 16 << 10

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := boundedBufferCap - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
