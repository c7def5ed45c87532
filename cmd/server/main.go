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

// Receipts service
//
// Entry point for the receipt ingestion service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to the relational store (PostgreSQL or SQLite) and Redis
//  3. Builds the processing pipeline: parse, normalize, extract, persist
//  4. Runs the worker pool draining the inbound queue
//  5. Runs the sweeper for orphaned contexts and expired idempotency records
//  6. Serves the inbound webhook and health endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/receipts/internal/audit"
	"github.com/bcem/receipts/internal/config"
	"github.com/bcem/receipts/internal/correlation"
	"github.com/bcem/receipts/internal/dedup"
	"github.com/bcem/receipts/internal/extract"
	"github.com/bcem/receipts/internal/idempotency"
	"github.com/bcem/receipts/internal/language"
	"github.com/bcem/receipts/internal/llm"
	"github.com/bcem/receipts/internal/parse"
	"github.com/bcem/receipts/internal/pipeline"
	"github.com/bcem/receipts/internal/queue"
	"github.com/bcem/receipts/internal/rawstore"
	"github.com/bcem/receipts/internal/retry"
	"github.com/bcem/receipts/internal/storage"
	"github.com/bcem/receipts/internal/sweeper"
	"github.com/bcem/receipts/internal/webhook"
	"github.com/bcem/receipts/internal/worker"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting receipts service",
		"organizations", len(cfg.Organizations),
		"tenants", len(cfg.Tenants),
		"workers", cfg.Pipeline.Workers,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Relational Store ---
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.InboundQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Audit Trail ---
	sinks := audit.MultiSink{store}
	if cfg.AuditStream != "" {
		sinks = append(sinks, audit.NewRedisStreamSink(rdb, cfg.AuditStream, cfg.AuditStreamLen))
	}
	if cfg.SlogLevel() <= slog.LevelDebug {
		sinks = append(sinks, audit.LogSink{})
	}
	auditWriter := audit.NewWriter(sinks, cfg.AuditQueueSize)

	tracker := correlation.NewTracker(auditWriter)
	guard := idempotency.NewGuard(store)

	// --- Raw Message Storage ---
	raw := rawstore.NewRouter(rawstore.FileScheme, rawstore.NewFileStore(cfg.RawDir))
	if len(cfg.Tenants) > 0 {
		tenants := make([]rawstore.GraphTenant, 0, len(cfg.Tenants))
		for _, t := range cfg.Tenants {
			tenants = append(tenants, rawstore.GraphTenant{
				TenantID:     t.TenantID,
				ClientID:     t.ClientID,
				ClientSecret: t.ClientSecret,
			})
		}
		// Token refresh must outlive shutdown so in-flight messages can finish.
		raw.Handle(rawstore.GraphScheme, rawstore.NewGraphStore(context.WithoutCancel(ctx), tenants, rawstore.DefaultGraphBaseURL))
	}

	// --- Pipeline ---
	model := llm.New(llm.Config{
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Model.Model,
		MaxTokens: cfg.Model.MaxTokens,
		Timeout:   cfg.Model.Timeout,
	})
	backoff := retry.Config{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
	}
	extractRetry := backoff
	extractRetry.MaxAttempts = cfg.Pipeline.ExtractAttempts

	orchestrator := pipeline.New(pipeline.Deps{
		Guard:      guard,
		Tracker:    tracker,
		Raw:        raw,
		Parser:     parse.NewParser(),
		Normalizer: language.NewNormalizer(model),
		Extractor:  extract.NewExtractor(model, extractRetry),
		Store:      store,
	}, pipeline.Config{
		ExtractAttempts: cfg.Pipeline.ExtractAttempts,
		ReviewThreshold: &cfg.Pipeline.ReviewThreshold,
		MessageTimeout:  cfg.Pipeline.MessageTimeout,
		Retry:           backoff,
	})

	// --- Worker Pool ---
	pool := worker.NewPool(queue.NewConsumer(rdb, cfg.InboundQueue), orchestrator, worker.Config{
		Workers:         cfg.Pipeline.Workers,
		PollTimeout:     5 * time.Second,
		MaxRedeliveries: cfg.Pipeline.MaxRedeliveries,
		Backoff:         backoff,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	// --- Sweeper ---
	sweep := sweeper.New(tracker, guard, sweeper.Config{
		Interval:          cfg.Sweeper.Interval,
		OrphanMaxAge:      cfg.Sweeper.OrphanMaxAge,
		RetentionDays:     cfg.Sweeper.RetentionDays,
		RetentionInterval: cfg.Sweeper.RetentionInterval,
	})
	go sweep.Run(ctx)

	// --- Inbound Webhook ---
	handler := webhook.NewHandler(webhook.Options{
		Raw:           raw,
		Queue:         publisher,
		Filter:        dedup.NewFilter(rdb, cfg.DedupTTL),
		Organizations: cfg.Organizations,
		Tenants:       cfg.Tenants,
		Checks: []webhook.Check{
			{Name: "redis", Target: publisher},
			{Name: "database", Target: store},
		},
	})
	ready, serverDone, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("receipts service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-serverDone:
		slog.Error("http server exited unexpectedly")
	}
	cancel() // Stop all background goroutines

	<-serverDone
	<-poolDone

	stats := pool.Stats()
	slog.Info("worker pool drained",
		"completed", stats.Completed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"requeued", stats.Requeued,
		"dead_lettered", stats.DeadLettered,
	)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := auditWriter.Close(flushCtx); err != nil {
		slog.Error("audit flush incomplete", "error", err)
	}

	rdb.Close()
	closeStore()

	slog.Info("receipts service stopped")
}

// openStore connects to PostgreSQL when DATABASE_URL is set, otherwise
// opens the SQLite file.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		if err := pgPool.Ping(ctx); err != nil {
			pgPool.Close()
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		store, err := storage.NewPostgres(ctx, pgPool)
		if err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")
		return store, pgPool.Close, nil
	}

	store, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("opened SQLite store", "path", cfg.SQLitePath)
	return store, func() {
		if err := store.Close(); err != nil {
			slog.Error("close sqlite", "error", err)
		}
	}, nil
}
