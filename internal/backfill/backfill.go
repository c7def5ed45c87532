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

// Package backfill replays historical email into the inbound queue, either
// from a directory of .eml files or from Microsoft 365 mailboxes within a
// date range. Replayed messages carry the same identity a live delivery
// would, so the idempotency guard treats a later live copy as a duplicate.
package backfill

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/parse"
	"github.com/bcem/receipts/internal/rawstore"
)

// RawStore keeps raw MIME bytes.
type RawStore interface {
	Put(ctx context.Context, raw []byte) (string, error)
}

// Enqueuer publishes inbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg models.InboundMessage) (string, error)
}

// SeenFilter is the short-lived duplicate filter shared with the webhook.
type SeenFilter interface {
	IsNew(ctx context.Context, key models.MessageKey) (bool, error)
}

// Result summarises a completed replay.
type Result struct {
	Queued  int
	Skipped int
	Errors  int
	Elapsed time.Duration
}

func (r *Result) add(o Result) {
	r.Queued += o.Queued
	r.Skipped += o.Skipped
	r.Errors += o.Errors
}

// Runner performs historical replays.
type Runner struct {
	graphBaseURL string
	raw          RawStore
	queue        Enqueuer
	dedup        SeenFilter
	pageDelay    time.Duration // delay between pages to avoid throttling
	now          func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner. Raw is only
// needed for directory replays; Dedup is optional.
type RunnerConfig struct {
	GraphBaseURL string
	Raw          RawStore
	Queue        Enqueuer
	Dedup        SeenFilter
	PageDelay    time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	base := cfg.GraphBaseURL
	if base == "" {
		base = rawstore.DefaultGraphBaseURL
	}
	return &Runner{
		graphBaseURL: strings.TrimSuffix(base, "/"),
		raw:          cfg.Raw,
		queue:        cfg.Queue,
		dedup:        cfg.Dedup,
		pageDelay:    delay,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// DirRequest scopes a directory replay.
type DirRequest struct {
	Dir            string
	OrganizationID string
	Alias          string
	Provider       models.Provider
}

// ReplayDir enqueues every .eml file under req.Dir, in lexical order.
// Files that cannot be read or parsed are counted as errors and skipped.
func (r *Runner) ReplayDir(ctx context.Context, req DirRequest) (*Result, error) {
	if r.raw == nil {
		return nil, fmt.Errorf("directory replay requires a raw store")
	}
	if req.Provider == "" {
		req.Provider = models.ProviderSES
	}
	req.Alias = strings.ToLower(strings.TrimSpace(req.Alias))
	if req.OrganizationID == "" || req.Alias == "" {
		return nil, fmt.Errorf("directory replay requires an organization and alias")
	}
	if _, err := models.ParseProvider(string(req.Provider)); err != nil {
		return nil, err
	}

	var files []string
	err := filepath.WalkDir(req.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".eml") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", req.Dir, err)
	}
	sort.Strings(files)

	slog.Info("starting directory replay",
		"dir", req.Dir,
		"org_id", req.OrganizationID,
		"files", len(files),
	)

	start := time.Now()
	result := &Result{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.add(r.replayFile(ctx, req, path))
	}
	result.Elapsed = time.Since(start)

	slog.Info("directory replay complete",
		"dir", req.Dir,
		"queued", result.Queued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) replayFile(ctx context.Context, req DirRequest, path string) Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("backfill: read file failed", "path", path, "error", err)
		return Result{Errors: 1}
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		slog.Warn("backfill: not a MIME message", "path", path, "error", err)
		return Result{Errors: 1}
	}

	id := parse.MessageID(env)
	if id == "" {
		id = "sha256:" + rawstore.Hash(raw)
	}
	msg := models.InboundMessage{
		OrganizationID: req.OrganizationID,
		Alias:          req.Alias,
		Provider:       req.Provider,
		MessageID:      id,
		ReceivedAt:     r.now(),
	}
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.ReceivedAt = d.UTC()
	}
	if err := msg.Validate(); err != nil {
		return Result{Errors: 1}
	}
	if !r.isNew(ctx, msg) {
		return Result{Skipped: 1}
	}

	ref, err := r.raw.Put(ctx, raw)
	if err != nil {
		slog.Warn("backfill: store failed", "path", path, "error", err)
		return Result{Errors: 1}
	}
	msg.RawRef = ref

	if _, err := r.queue.Enqueue(ctx, msg); err != nil {
		slog.Warn("backfill: enqueue failed", "path", path, "message_id", id, "error", err)
		return Result{Errors: 1}
	}
	return Result{Queued: 1}
}

// isNew consults the optional filter; errors count as new.
func (r *Runner) isNew(ctx context.Context, msg models.InboundMessage) bool {
	if r.dedup == nil {
		return true
	}
	isNew, err := r.dedup.IsNew(ctx, msg.Key())
	if err != nil {
		slog.Warn("dedup check failed", "error", err)
		return true
	}
	return isNew
}
