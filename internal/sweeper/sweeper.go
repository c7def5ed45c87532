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

// Package sweeper runs the periodic housekeeping loops: reclaiming
// correlation contexts abandoned by timed-out messages, and expiring old
// idempotency records.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultInterval          = 5 * time.Minute
	DefaultOrphanMaxAge      = 60 * time.Minute
	DefaultRetentionDays     = 30
	DefaultRetentionInterval = 24 * time.Hour
)

// OrphanCleaner is the correlation tracker.
type OrphanCleaner interface {
	CleanupOrphaned(maxAge time.Duration) int
}

// RecordCleaner is the idempotency guard.
type RecordCleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Config holds the sweep schedule. Zero values use the defaults.
type Config struct {
	Interval          time.Duration
	OrphanMaxAge      time.Duration
	RetentionDays     int
	RetentionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.OrphanMaxAge <= 0 {
		c.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	return c
}

// Sweeper owns both loops.
type Sweeper struct {
	tracker OrphanCleaner
	guard   RecordCleaner
	cfg     Config
}

// New creates a sweeper.
func New(tracker OrphanCleaner, guard RecordCleaner, cfg Config) *Sweeper {
	return &Sweeper{tracker: tracker, guard: guard, cfg: cfg.withDefaults()}
}

// Run blocks until the context is cancelled. Retention runs once at start,
// orphan sweeps on the first tick.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweeper starting",
		"interval", s.cfg.Interval,
		"orphan_max_age", s.cfg.OrphanMaxAge,
		"retention_days", s.cfg.RetentionDays,
	)

	s.expire(ctx)

	orphans := time.NewTicker(s.cfg.Interval)
	defer orphans.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-orphans.C:
			s.reclaim()
		case <-retention.C:
			s.expire(ctx)
		}
	}
}

func (s *Sweeper) reclaim() int {
	n := s.tracker.CleanupOrphaned(s.cfg.OrphanMaxAge)
	if n > 0 {
		slog.Info("reclaimed orphaned correlation contexts", "count", n)
	}
	return n
}

func (s *Sweeper) expire(ctx context.Context) int64 {
	n, err := s.guard.Cleanup(ctx, s.cfg.RetentionDays)
	if err != nil {
		slog.Error("idempotency retention sweep failed", "error", err)
		return 0
	}
	slog.Info("idempotency retention sweep", "deleted", n, "retention_days", s.cfg.RetentionDays)
	return n
}
