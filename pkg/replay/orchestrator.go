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

// Package replay runs per-commit workspace servers. The orchestrator owns
// the registry of running servers, allocates their ports, and supervises
// their lifecycle.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"
)

// Workspace statuses.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusFailed   = "failed"
)

const (
	// DefaultBasePort is where port probing starts.
	DefaultBasePort = 9000

	// maxPortProbes bounds the search for a free port.
	maxPortProbes = 1000

	// minPort and maxPort bound every port a workspace server may bind.
	// Preferred ports outside this range are ignored, never honored.
	minPort = 1024
	maxPort = 65535

	// stopGrace is how long a server gets to exit after SIGTERM before it is
	// killed.
	stopGrace = 5 * time.Second
)

var (
	// ErrUnknownAdapter is returned when a start request names an adapter
	// that was never registered.
	ErrUnknownAdapter = errors.New("unknown adapter")

	// ErrNotServable is returned when the checkout fails adapter validation.
	ErrNotServable = errors.New("checkout not servable")
)

// Workspace is the public view of one workspace server.
type Workspace struct {
	ID         string    `json:"id"`
	RepoID     int64     `json:"repo_id"`
	CommitHash string    `json:"commit_hash"`
	Adapter    string    `json:"adapter"`
	Port       int       `json:"port"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// entry is the orchestrator's internal record.
type entry struct {
	ws     Workspace
	handle Handle
}

// StartRequest asks the orchestrator to serve one commit checkout.
type StartRequest struct {
	RepoID     int64
	CommitHash string
	Dir        string
	Adapter    string
	// PreferredPort, when non-zero, is tried on the first attempt only.
	PreferredPort int
	Env           map[string]string
}

// Orchestrator supervises workspace servers.
type Orchestrator struct {
	basePort int
	adapters map[string]Adapter

	mu      sync.Mutex
	entries map[string]*entry
}

// NewOrchestrator creates an Orchestrator. basePort falls back to
// DefaultBasePort when zero.
func NewOrchestrator(basePort int, adapters ...Adapter) *Orchestrator {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}
	return &Orchestrator{
		basePort: basePort,
		adapters: byName,
		entries:  map[string]*entry{},
	}
}

// Adapters returns the registered adapter names, sorted.
func (o *Orchestrator) Adapters() []string {
	names := make([]string, 0, len(o.adapters))
	for name := range o.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func key(repoID int64, hash string) string {
	return strconv.FormatInt(repoID, 10) + ":" + hash
}

// Start launches (or returns the already running) workspace server for one
// commit checkout. Port binding races retry on a fresh port with a short
// backoff.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Workspace, error) {
	logger := logging.FromContext(ctx)

	adapter, ok := o.adapters[req.Adapter]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownAdapter, req.Adapter)
	}

	k := key(req.RepoID, req.CommitHash)

	// A stopped or failed entry restarts under its old id and port.
	o.mu.Lock()
	var priorID string
	var priorPort int
	if e, ok := o.entries[k]; ok {
		switch e.ws.Status {
		case StatusRunning, StatusStarting:
			ws := e.ws
			o.mu.Unlock()
			return &ws, nil
		default:
			priorID = e.ws.ID
			priorPort = e.ws.Port
		}
	}
	id := priorID
	if id == "" {
		id = uuid.New().String()
	}
	o.mu.Unlock()

	if verr := adapter.Validate(req.Dir); verr != nil {
		verr = fmt.Errorf("%w: %w", ErrNotServable, verr)
		o.mu.Lock()
		o.entries[k] = &entry{ws: Workspace{
			ID:         id,
			RepoID:     req.RepoID,
			CommitHash: req.CommitHash,
			Adapter:    req.Adapter,
			Status:     StatusFailed,
			Error:      verr.Error(),
			StartedAt:  time.Now().UTC(),
		}}
		o.mu.Unlock()
		return nil, verr
	}

	e := &entry{ws: Workspace{
		ID:         id,
		RepoID:     req.RepoID,
		CommitHash: req.CommitHash,
		Adapter:    req.Adapter,
		Status:     StatusStarting,
		StartedAt:  time.Now().UTC(),
	}}
	o.mu.Lock()
	o.entries[k] = e
	o.mu.Unlock()

	firstChoice := req.PreferredPort
	if firstChoice == 0 {
		firstChoice = priorPort
	}

	var handle Handle
	var port int
	attempt := 0
	backoff := retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		preferred := 0
		if attempt == 1 {
			preferred = firstChoice
		}
		port, err = o.allocatePort(preferred)
		if err != nil {
			return err
		}

		handle, err = adapter.Start(ctx, StartSpec{Dir: req.Dir, Port: port, Env: req.Env})
		if errors.Is(err, ErrPortBind) {
			logger.WarnContext(ctx, "port bind lost, retrying on a new port",
				"port", port,
				"attempt", attempt)
			return retry.RetryableError(err)
		}
		return err
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		e.ws.Status = StatusFailed
		e.ws.Error = err.Error()
		return nil, fmt.Errorf("failed to start workspace server: %w", err)
	}

	e.handle = handle
	e.ws.Port = port
	e.ws.URL = adapter.URL(port)
	e.ws.Status = StatusRunning
	e.ws.Error = ""
	go o.watch(k, handle)

	ws := e.ws
	return &ws, nil
}

// watch marks a workspace failed if its process exits on its own. The
// handle identifies the run; a restart under the same id installs a fresh
// handle.
func (o *Orchestrator) watch(k string, h Handle) {
	err := <-h.Done()

	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[k]
	if !ok || e.handle != h || e.ws.Status != StatusRunning {
		return
	}
	e.ws.Status = StatusFailed
	if err != nil {
		e.ws.Error = err.Error()
	} else {
		e.ws.Error = "server exited unexpectedly"
	}
}

// allocatePort finds a free loopback port. A preferred port in the
// unprivileged range is tried first; otherwise probing walks up from the
// base port.
func (o *Orchestrator) allocatePort(preferred int) (int, error) {
	if preferred >= minPort && preferred <= maxPort && portFree(preferred) {
		return preferred, nil
	}
	for port := o.basePort; port < o.basePort+maxPortProbes; port++ {
		if o.portClaimed(port) {
			continue
		}
		if portFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in %d-%d", o.basePort, o.basePort+maxPortProbes-1)
}

// portClaimed reports whether a tracked workspace already owns the port.
func (o *Orchestrator) portClaimed(port int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.ws.Port == port && (e.ws.Status == StatusRunning || e.ws.Status == StatusStarting) {
			return true
		}
	}
	return false
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Get returns the workspace for a commit, or nil.
func (o *Orchestrator) Get(repoID int64, hash string) *Workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[key(repoID, hash)]; ok {
		ws := e.ws
		return &ws
	}
	return nil
}

// List returns all tracked workspaces, newest first.
func (o *Orchestrator) List() []*Workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Workspace, 0, len(o.entries))
	for _, e := range o.entries {
		ws := e.ws
		out = append(out, &ws)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Stop terminates a workspace server: SIGTERM, then SIGKILL after a grace
// period. Stopping a non-running workspace is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, repoID int64, hash string) error {
	k := key(repoID, hash)

	o.mu.Lock()
	e, ok := o.entries[k]
	if !ok || e.handle == nil || (e.ws.Status != StatusRunning && e.ws.Status != StatusStarting) {
		o.mu.Unlock()
		return nil
	}
	e.ws.Status = StatusStopped
	handle := e.handle
	o.mu.Unlock()

	return terminate(ctx, handle)
}

// terminate delivers SIGTERM and escalates to SIGKILL after the grace
// period.
func terminate(ctx context.Context, h Handle) error {
	if err := h.Signal(syscall.SIGTERM); err != nil {
		_ = h.Kill()
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
	}
	if err := h.Kill(); err != nil {
		return fmt.Errorf("failed to kill workspace server: %w", err)
	}
	return nil
}

// Remove forgets a stopped or failed workspace. Running workspaces must be
// stopped first.
func (o *Orchestrator) Remove(repoID int64, hash string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	k := key(repoID, hash)
	e, ok := o.entries[k]
	if !ok {
		return nil
	}
	if e.ws.Status == StatusRunning || e.ws.Status == StatusStarting {
		return fmt.Errorf("workspace for commit %s is still running", hash)
	}
	delete(o.entries, k)
	return nil
}

// StopAll terminates every running workspace server. Used at shutdown.
func (o *Orchestrator) StopAll(ctx context.Context) {
	logger := logging.FromContext(ctx)

	o.mu.Lock()
	var handles []Handle
	for _, e := range o.entries {
		if e.handle != nil && (e.ws.Status == StatusRunning || e.ws.Status == StatusStarting) {
			e.ws.Status = StatusStopped
			handles = append(handles, e.handle)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := terminate(ctx, h); err != nil {
				logger.WarnContext(ctx, "failed to stop workspace server", "error", err)
			}
		}(h)
	}
	wg.Wait()
}
