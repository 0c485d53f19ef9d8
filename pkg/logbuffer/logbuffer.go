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

// Package logbuffer tees structured log records into the database so the UI
// can show recent activity. Records are buffered in memory and flushed in
// small batches; logging never blocks on the database.
package logbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gitnexus/gitnexus/pkg/store"
)

const (
	// flushInterval is how often buffered records are written out.
	flushInterval = 500 * time.Millisecond

	// maxBatch bounds one insert transaction.
	maxBatch = 100

	// maxBuffered caps memory if the database stalls; the oldest records are
	// dropped first.
	maxBuffered = 10000
)

// Buffer collects log entries for periodic persistence.
type Buffer struct {
	store *store.Store

	mu      sync.Mutex
	entries []*store.LogEntry
}

// New creates a Buffer writing to s.
func New(s *store.Store) *Buffer {
	return &Buffer{store: s}
}

// add appends one entry, dropping the oldest when full.
func (b *Buffer) add(e *store.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= maxBuffered {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, e)
}

// take removes up to max buffered entries.
func (b *Buffer) take(max int) []*store.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	n := len(b.entries)
	if n > max {
		n = max
	}
	out := b.entries[:n:n]
	b.entries = b.entries[n:]
	return out
}

// Run flushes the buffer on an interval until ctx is cancelled, then drains
// whatever remains. The drain uses a fresh context so shutdown still
// persists the tail.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.flushAll(drainCtx)
			return nil
		case <-ticker.C:
			if err := b.flushOnce(ctx); err != nil {
				// The entries were already taken; there is nowhere to report
				// this but stderr-bound logging would recurse. Drop and move
				// on.
				continue
			}
		}
	}
}

func (b *Buffer) flushOnce(ctx context.Context) error {
	batch := b.take(maxBatch)
	if len(batch) == 0 {
		return nil
	}
	if err := b.store.InsertLogs(ctx, batch); err != nil {
		return fmt.Errorf("failed to flush log batch: %w", err)
	}
	return nil
}

func (b *Buffer) flushAll(ctx context.Context) {
	for {
		batch := b.take(maxBatch)
		if len(batch) == 0 {
			return
		}
		if err := b.store.InsertLogs(ctx, batch); err != nil {
			return
		}
	}
}

// Handler returns an slog.Handler that forwards to inner and also records
// each entry in the buffer under the given source label.
func (b *Buffer) Handler(inner slog.Handler, source string) slog.Handler {
	return &teeHandler{inner: inner, buf: b, source: source}
}

type teeHandler struct {
	inner  slog.Handler
	buf    *Buffer
	source string
	attrs  []slog.Attr
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Message)
	appendAttr := func(a slog.Attr) {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.buf.add(&store.LogEntry{
		Timestamp: ts.UTC(),
		Level:     rec.Level.String(),
		Source:    h.source,
		Message:   sb.String(),
	})

	return h.inner.Handle(ctx, rec) //nolint:wrapcheck
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &teeHandler{
		inner:  h.inner.WithAttrs(attrs),
		buf:    h.buf,
		source: h.source,
		attrs:  merged,
	}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{
		inner:  h.inner.WithGroup(name),
		buf:    h.buf,
		source: h.source,
		attrs:  h.attrs,
	}
}
