// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit delivers correlation step events to durable sinks without
// ever blocking the pipeline. Events are queued in memory and written in
// batches by one background goroutine; when the queue is full the oldest
// event is dropped.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcem/receipts/internal/models"
)

const (
	DefaultQueueSize = 1024
	maxBatch         = 64
	writeTimeout     = 5 * time.Second
)

// Sink persists a batch of audit events.
type Sink interface {
	Write(ctx context.Context, events []models.AuditEvent) error
}

// Writer is a bounded, drop-oldest audit queue.
type Writer struct {
	sink Sink
	ch   chan models.AuditEvent
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

// NewWriter starts the background drain. queueSize <= 0 uses DefaultQueueSize.
func NewWriter(sink Sink, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Writer{
		sink: sink,
		ch:   make(chan models.AuditEvent, queueSize),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Emit queues ev. It never blocks: when the queue is full the oldest queued
// event is discarded to make room.
func (w *Writer) Emit(ev models.AuditEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	for {
		select {
		case w.ch <- ev:
			return
		default:
		}
		select {
		case <-w.ch:
			w.dropped.Add(1)
		default:
		}
	}
}

// Stats reports delivery counters.
type Stats struct {
	Written int64
	Dropped int64
	Failed  int64
	Queued  int
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.ch),
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)

	batch := make([]models.AuditEvent, 0, maxBatch)
	for ev := range w.ch {
		batch = append(batch[:0], ev)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		w.flush(batch)
	}
}

func (w *Writer) flush(batch []models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := w.sink.Write(ctx, batch); err != nil {
		w.failed.Add(int64(len(batch)))
		slog.Error("audit write failed, dropping batch",
			"events", len(batch),
			"error", err,
		)
		return
	}
	w.written.Add(int64(len(batch)))
}
