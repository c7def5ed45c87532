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

// Package worker runs a fixed number of consumers that pull inbound
// messages off the queue and hand each to the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/pipeline"
	"github.com/bcem/receipts/internal/queue"
	"github.com/bcem/receipts/internal/retry"
)

const (
	DefaultWorkers         = 4
	DefaultPollTimeout     = 5 * time.Second
	DefaultMaxRedeliveries = 10

	// errorBackoff is how long a worker waits after a queue read error.
	errorBackoff = time.Second
)

// Source yields queued messages and takes back the ones that must be
// retried; *queue.Consumer implements it.
type Source interface {
	Next(ctx context.Context, timeout time.Duration) (queue.Envelope, bool, error)
	Requeue(ctx context.Context, env queue.Envelope) error
	DeadLetter(ctx context.Context, env queue.Envelope) error
}

// Processor handles one message; *pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage) pipeline.Outcome
}

// Config tunes a Pool. Non-positive values use the defaults.
type Config struct {
	Workers     int
	PollTimeout time.Duration
	// MaxRedeliveries bounds how often a message whose admission could not
	// be confirmed is put back on the queue before it is dead-lettered.
	MaxRedeliveries int
	// Backoff spaces out those redeliveries.
	Backoff retry.Config
}

// Stats counts outcomes since the pool started. A requeued message is
// counted again when it is next handled.
type Stats struct {
	Completed    int64
	Skipped      int64
	Failed       int64
	Requeued     int64
	DeadLettered int64
}

// Pool is a set of workers sharing one source.
type Pool struct {
	src             Source
	proc            Processor
	workers         int
	pollTimeout     time.Duration
	maxRedeliveries int
	backoff         retry.Config

	completed    atomic.Int64
	skipped      atomic.Int64
	failed       atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// NewPool creates a pool.
func NewPool(src Source, proc Processor, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = DefaultMaxRedeliveries
	}
	return &Pool{
		src:             src,
		proc:            proc,
		workers:         cfg.Workers,
		pollTimeout:     cfg.PollTimeout,
		maxRedeliveries: cfg.MaxRedeliveries,
		backoff:         cfg.Backoff,
	}
}

// Run blocks until ctx is cancelled. A message already taken off the queue
// is processed to the end even if ctx is cancelled meanwhile, bounded by
// the pipeline's own message timeout.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool starting", "workers", p.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.loop(gctx, id)
		})
	}

	err := g.Wait()
	st := p.Stats()
	slog.Info("worker pool stopped",
		"completed", st.Completed,
		"skipped", st.Skipped,
		"failed", st.Failed,
		"requeued", st.Requeued,
		"dead_lettered", st.DeadLettered,
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the outcome counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:    p.completed.Load(),
		Skipped:      p.skipped.Load(),
		Failed:       p.failed.Load(),
		Requeued:     p.requeued.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) error {
	log := slog.With("worker", id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, ok, err := p.src.Next(ctx, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrMalformedEnvelope) {
				log.Error("dropping malformed queue entry", "error", err)
				continue
			}
			log.Error("queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}

		p.handle(ctx, log, env)
	}
}

func (p *Pool) handle(ctx context.Context, log *slog.Logger, env queue.Envelope) {
	// Detach from pool shutdown so an in-flight message finishes.
	out := p.proc.Process(context.WithoutCancel(ctx), env.Message)

	switch o := out.(type) {
	case pipeline.Completed:
		p.completed.Add(1)
	case pipeline.Skipped:
		p.skipped.Add(1)
	case pipeline.Failed:
		// Nothing was recorded for the message, so the queue is the only
		// copy left.
		if o.Kind == pipeline.KindAdmissionAmbiguous {
			p.redeliver(ctx, log, env)
			return
		}
		p.failed.Add(1)
		log.Warn("message failed",
			"task_id", env.ID,
			"message_id", env.Message.MessageID,
			"correlation_id", o.CorrelationID,
			"kind", o.Kind,
		)
		return
	}
	log.Debug("message handled",
		"task_id", env.ID,
		"message_id", env.Message.MessageID,
		"status", out.Status(),
		"queued_ms", time.Since(env.EnqueuedAt).Milliseconds(),
	)
}

// redeliver puts env back on the queue after a backoff, or parks it on the
// dead-letter list once MaxRedeliveries is used up. Shutdown cuts the wait
// short but the write still happens.
func (p *Pool) redeliver(ctx context.Context, log *slog.Logger, env queue.Envelope) {
	env.Attempts++
	log = log.With(
		"task_id", env.ID,
		"message_id", env.Message.MessageID,
		"org_id", env.Message.OrganizationID,
		"attempt", env.Attempts,
	)
	wctx := context.WithoutCancel(ctx)

	if env.Attempts > p.maxRedeliveries {
		p.failed.Add(1)
		if err := p.src.DeadLetter(wctx, env); err != nil {
			log.Error("dead-letter failed, message dropped", "error", err)
			return
		}
		p.deadLettered.Add(1)
		log.Error("admission never confirmed, message dead-lettered")
		return
	}

	delay := p.backoff.Backoff(env.Attempts)
	log.Warn("admission not confirmed, requeueing", "delay", delay)
	t := time.NewTimer(delay)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()

	if err := p.src.Requeue(wctx, env); err != nil {
		p.failed.Add(1)
		log.Error("requeue failed, message dropped", "error", err)
		return
	}
	p.requeued.Add(1)
}
