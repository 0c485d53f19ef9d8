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

package logbuffer

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gitnexus/gitnexus/pkg/store"
)

func testBuffer(tb testing.TB) (*Buffer, *store.Store) {
	tb.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("failed to open store: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Errorf("failed to close store: %v", err)
		}
	})
	return New(s), s
}

func TestHandler_RecordsEntries(t *testing.T) {
	t.Parallel()

	b, _ := testBuffer(t)

	inner := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(b.Handler(inner, "server"))
	logger.Info("request handled", "path", "/api/health", "code", 200)

	batch := b.take(10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", len(batch))
	}
	e := batch[0]
	if e.Level != "INFO" || e.Source != "server" {
		t.Errorf("entry metadata: level=%q source=%q", e.Level, e.Source)
	}
	if !strings.Contains(e.Message, "request handled") ||
		!strings.Contains(e.Message, "path=/api/health") {
		t.Errorf("message: got %q", e.Message)
	}
}

func TestHandler_WithAttrsCarried(t *testing.T) {
	t.Parallel()

	b, _ := testBuffer(t)

	inner := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(b.Handler(inner, "replay")).With("repo_id", 7)
	logger.Warn("workspace slow")

	batch := b.take(10)
	if len(batch) != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", len(batch))
	}
	if !strings.Contains(batch[0].Message, "repo_id=7") {
		t.Errorf("expected carried attr in message, got %q", batch[0].Message)
	}
}

func TestBuffer_RunDrainsOnCancel(t *testing.T) {
	t.Parallel()

	b, s := testBuffer(t)

	for i := 0; i < 5; i++ {
		b.add(&store.LogEntry{
			Timestamp: time.Now(),
			Level:     "INFO",
			Source:    "test",
			Message:   "entry",
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	entries, err := s.RecentLogs(context.Background(), 100)
	if err != nil {
		t.Fatalf("failed to read logs: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 drained entries, got %d", len(entries))
	}
}

func TestBuffer_TakeBounds(t *testing.T) {
	t.Parallel()

	b, _ := testBuffer(t)
	for i := 0; i < 250; i++ {
		b.add(&store.LogEntry{Level: "INFO", Source: "test", Message: "x"})
	}

	if got := len(b.take(100)); got != 100 {
		t.Errorf("first take: got %d, want 100", got)
	}
	if got := len(b.take(100)); got != 100 {
		t.Errorf("second take: got %d, want 100", got)
	}
	if got := len(b.take(100)); got != 50 {
		t.Errorf("third take: got %d, want 50", got)
	}
	if got := b.take(100); got != nil {
		t.Errorf("fourth take: expected nil, got %d entries", len(got))
	}
}
