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

// mailpush backfill
//
// Standalone CLI tool that ingests historical emails received within a
// configurable window. Intended for seeding data on new deployments; it
// never moves the reconciliation watermark.
//
// Usage:
//
//	go run ./cmd/backfill/ [--accounts a@x.com,b@x.com] [--since 168h] [--max 500]
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailpush/internal/backfill"
	"github.com/bcem/mailpush/internal/config"
	"github.com/bcem/mailpush/internal/dedup"
	"github.com/bcem/mailpush/internal/emaildb"
	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/queue"
	"github.com/bcem/mailpush/internal/registry"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	accountsFlag := flag.String("accounts", "", "Comma-separated list of accounts (optional; empty = all configured accounts)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	maxFlag := flag.Int("max", 0, "Maximum messages per account (0 = unlimited)")
	delayFlag := flag.Duration("page-delay", 500*time.Millisecond, "Delay between list pages")
	flag.Parse()

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil || sinceDuration <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q\n", *sinceFlag)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Read()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required: backfilled emails must be persisted")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	sink, err := emaildb.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email store", "error", err)
		os.Exit(1)
	}

	extractorCfg := extract.ExtractorConfig{
		Sink:               sink,
		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	}

	// --- Connect to Redis ---
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		filter := dedup.NewFilter(rdb, dedup.DefaultTTL)
		if err := filter.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		extractorCfg.Claimer = filter
		extractorCfg.Publisher = queue.NewPublisher(rdb, queue.PublisherConfig{QueueName: cfg.EmailsQueue})
		slog.Info("connected to Redis")
	}

	// --- Resolve accounts ---
	var accounts []string
	for _, a := range strings.Split(*accountsFlag, ",") {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, strings.ToLower(a))
		}
	}
	include := cfg.Accounts
	if len(accounts) > 0 {
		include = accounts
	}

	reg, err := registry.Load(ctx, registry.LoadConfig{
		TokensDir:       cfg.TokensDir,
		CredentialsFile: cfg.CredentialsFile,
		Include:         include,
		Exclude:         cfg.ExcludeAccounts,
	})
	if err != nil {
		slog.Error("failed to build account registry", "error", err)
		os.Exit(1)
	}
	if reg.Len() == 0 {
		slog.Error("no accounts to backfill")
		os.Exit(1)
	}

	slog.Info("resolved accounts for backfill", "count", reg.Len(), "accounts", reg.Accounts())

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Registry:  reg,
		Extractor: extract.NewExtractor(extractorCfg),
		PageDelay: *delayFlag,
	})

	result, err := runner.Run(ctx, backfill.BackfillRequest{
		Since:       sinceDuration,
		MaxMessages: *maxFlag,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	failedAccounts := 0
	for _, ar := range result.AccountResults {
		attrs := []any{
			"account", ar.Account,
			"listed", ar.Listed,
			"saved", ar.Saved,
			"skipped", ar.Skipped,
			"failed", ar.Failed,
		}
		if ar.Err != nil {
			failedAccounts++
			attrs = append(attrs, "error", ar.Err)
		}
		slog.Info("account result", attrs...)
	}

	if failedAccounts > 0 {
		os.Exit(1)
	}
}
