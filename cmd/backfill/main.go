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

// Receipts Historical Backfill Command
//
// Standalone CLI tool that replays historical email into the inbound queue,
// either from a directory of .eml files or from Microsoft 365 mailboxes
// within a configurable date range. The running service processes the
// queued messages as if they had just been delivered.
//
// Usage:
//
//	go run ./cmd/backfill/ --org <id> --dir ./archive --alias receipts@acme.example [--provider ses]
//	go run ./cmd/backfill/ --org <id> --tenant <alias> [--users a@acme.example,b@acme.example] [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/receipts/internal/backfill"
	"github.com/bcem/receipts/internal/config"
	"github.com/bcem/receipts/internal/dedup"
	"github.com/bcem/receipts/internal/models"
	"github.com/bcem/receipts/internal/queue"
	"github.com/bcem/receipts/internal/rawstore"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	orgFlag := flag.String("org", "", "Organization id to replay into (required)")
	dirFlag := flag.String("dir", "", "Directory of .eml files to replay")
	aliasFlag := flag.String("alias", "", "Receiving alias for --dir replays (default: the organization's first alias)")
	providerFlag := flag.String("provider", string(models.ProviderSES), "Provider recorded for --dir replays")
	tenantFlag := flag.String("tenant", "", "Tenant alias for a Microsoft 365 mailbox replay")
	usersFlag := flag.String("users", "", "Comma-separated mailboxes (optional; empty = organization aliases or all licensed users)")
	excludeFlag := flag.String("exclude", "", "Comma-separated mailboxes to skip")
	sinceFlag := flag.String("since", "168h", "Lookback duration for mailbox replays (e.g. 720h for 30 days)")
	flag.Parse()

	if *orgFlag == "" || (*dirFlag == "") == (*tenantFlag == "") {
		fmt.Fprintf(os.Stderr, "Error: --org and exactly one of --dir or --tenant are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	org, ok := cfg.Organization(*orgFlag)
	if !ok {
		slog.Error("organization not found in configuration", "org_id", *orgFlag)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.InboundQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Raw:   rawstore.NewFileStore(cfg.RawDir),
		Queue: publisher,
		Dedup: dedup.NewFilter(rdb, cfg.DedupTTL),
	})

	if *dirFlag != "" {
		alias := *aliasFlag
		if alias == "" && len(org.Aliases) > 0 {
			alias = org.Aliases[0]
		}
		result, err := runner.ReplayDir(ctx, backfill.DirRequest{
			Dir:            *dirFlag,
			OrganizationID: org.ID,
			Alias:          alias,
			Provider:       models.Provider(*providerFlag),
		})
		if err != nil {
			slog.Error("directory replay failed", "error", err)
			os.Exit(1)
		}
		report(result)
		return
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// Find the requested tenant
	var tenant *config.TenantConfig
	for i := range cfg.Tenants {
		if cfg.Tenants[i].Alias == *tenantFlag {
			tenant = &cfg.Tenants[i]
			break
		}
	}
	if tenant == nil {
		slog.Error("tenant not found in configuration", "alias", *tenantFlag)
		os.Exit(1)
	}

	// --- Build OAuth2 client for the tenant ---
	creds := &clientcredentials.Config{
		ClientID:     tenant.ClientID,
		ClientSecret: tenant.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	httpClient := creds.Client(ctx)

	// --- Resolve users ---
	users := splitList(*usersFlag)
	if len(users) == 0 {
		users, err = runner.Mailboxes(ctx, httpClient, org.Aliases, splitList(*excludeFlag))
		if err != nil {
			slog.Error("mailbox discovery failed", "error", err)
			os.Exit(1)
		}
	}
	if len(users) == 0 {
		slog.Error("no mailboxes to backfill")
		os.Exit(1)
	}
	slog.Info("resolved mailboxes for backfill", "count", len(users))

	result, userResults, err := runner.ReplayMailbox(ctx, httpClient, backfill.MailboxRequest{
		TenantID:       tenant.TenantID,
		TenantAlias:    tenant.Alias,
		OrganizationID: org.ID,
		Users:          users,
		Since:          sinceDuration,
	})
	if err != nil {
		slog.Error("backfill interrupted", "error", err)
		os.Exit(1)
	}

	for _, ur := range userResults {
		slog.Info("user result",
			"user", ur.UserID,
			"queued", ur.Queued,
			"skipped", ur.Skipped,
			"errors", ur.Errors,
		)
	}
	report(result)
}

func report(r *backfill.Result) {
	slog.Info("backfill complete",
		"queued", r.Queued,
		"skipped", r.Skipped,
		"errors", r.Errors,
		"elapsed", r.Elapsed,
	)
}

func splitList(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
