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
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-envconfig"
)

// ServeStaticConfig configures the serve-static child process. It is loaded
// from the environment the parent sets.
type ServeStaticConfig struct {
	// Port is the loopback port to bind.
	Port int `env:"STATIC_PORT,required"`

	// Dir is the checkout directory to serve.
	Dir string `env:"STATIC_DIR,required"`
}

// Validate implements basic sanity checks.
func (c *ServeStaticConfig) Validate() error {
	var merr error
	if c.Port <= 0 || c.Port > 65535 {
		merr = errors.Join(merr, fmt.Errorf("STATIC_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.Dir == "" {
		merr = errors.Join(merr, fmt.Errorf("STATIC_DIR is required"))
	} else if info, err := os.Stat(c.Dir); err != nil || !info.IsDir() {
		merr = errors.Join(merr, fmt.Errorf("STATIC_DIR %q is not a directory", c.Dir))
	}
	return merr
}

// LoadServeStaticConfig reads the child configuration from the environment.
func LoadServeStaticConfig(ctx context.Context) (*ServeStaticConfig, error) {
	var cfg ServeStaticConfig
	if err := envconfig.ProcessWith(ctx, &cfg, envconfig.OsLookuper()); err != nil {
		return nil, fmt.Errorf("failed to load serve-static config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serve-static config: %w", err)
	}
	return &cfg, nil
}

// RunServeStatic serves cfg.Dir on the loopback interface until ctx is
// cancelled. It binds 127.0.0.1 explicitly; workspace servers are never
// reachable from other hosts.
func RunServeStatic(ctx context.Context, cfg *ServeStaticConfig) error {
	logger := logging.FromContext(ctx)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	srv := &http.Server{
		Handler:           http.FileServer(http.Dir(cfg.Dir)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.InfoContext(ctx, "serving checkout",
		"dir", cfg.Dir,
		"port", cfg.Port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
