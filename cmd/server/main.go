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

// mailpush server
//
// Entry point for the Gmail push ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis when configured
//  3. Builds the account registry from the token directory
//  4. Keeps Gmail watch registrations alive
//  5. Consumes push notifications from the Pub/Sub subscription
//  6. Runs a periodic catch-up reconciliation as a safety net
//  7. Serves /health, /metrics and optionally the push endpoint
//  8. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailpush/internal/catchup"
	"github.com/bcem/mailpush/internal/config"
	"github.com/bcem/mailpush/internal/dedup"
	"github.com/bcem/mailpush/internal/diagnostics"
	"github.com/bcem/mailpush/internal/emaildb"
	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/history"
	"github.com/bcem/mailpush/internal/listener"
	"github.com/bcem/mailpush/internal/queue"
	"github.com/bcem/mailpush/internal/registry"
	"github.com/bcem/mailpush/internal/router"
	"github.com/bcem/mailpush/internal/state"
	"github.com/bcem/mailpush/internal/watch"
	"github.com/bcem/mailpush/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailpush service",
		"listener_enabled", cfg.ListenerEnabled,
		"renewal_enabled", cfg.RenewalEnabled,
		"push_endpoint_enabled", cfg.PushEnabled,
		"state_backend", cfg.StateBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	var pgPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")
	}

	// --- Email Sink ---
	var sink extract.Sink
	var sinkPinger diagnostics.Pinger
	if pgPool != nil {
		pgSink, err := emaildb.NewPGStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise email store", "error", err)
			os.Exit(1)
		}
		sink, sinkPinger = pgSink, pgSink
	} else {
		slog.Warn("DATABASE_URL not set; emails are kept in memory only")
		sink = emaildb.NewMemoryStore()
	}

	// --- Connect to Redis ---
	extractorCfg := extract.ExtractorConfig{
		Sink:               sink,
		AttachmentMaxBytes: cfg.AttachmentMaxBytes,
	}
	var redisPinger diagnostics.Pinger
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
		slog.Info("connected to Redis")

		extractorCfg.Claimer = filter
		extractorCfg.Publisher = queue.NewPublisher(rdb, queue.PublisherConfig{QueueName: cfg.EmailsQueue})
		redisPinger = filter
	}

	// --- Watermark + Registration State ---
	store, err := state.Open(ctx, cfg.StateBackend, cfg.StateDir, pgPool)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}

	// --- Account Registry ---
	reg, err := registry.Load(ctx, registry.LoadConfig{
		TokensDir:       cfg.TokensDir,
		CredentialsFile: cfg.CredentialsFile,
		Include:         cfg.Accounts,
		Exclude:         cfg.ExcludeAccounts,
	})
	if err != nil {
		slog.Error("failed to build account registry", "error", err)
		os.Exit(1)
	}
	if reg.Len() == 0 {
		slog.Warn("no accounts configured; notifications will be ignored", "tokens_dir", cfg.TokensDir)
	}

	// --- Pipeline ---
	reconciler := history.NewReconciler(store)
	extractor := extract.NewExtractor(extractorCfg)
	rtr := router.New(router.RouterConfig{
		Registry:   reg,
		Reconciler: reconciler,
		Extractor:  extractor,
	})

	// --- Watch Lifecycle Manager ---
	mgr := watch.NewManager(watch.ManagerConfig{
		Registry:            reg,
		Registrations:       store,
		Watermarks:          store,
		Topic:               cfg.TopicPath(),
		LabelIDs:            cfg.LabelIDs,
		LabelFilterBehavior: cfg.LabelFilterBehavior,
		Margin:              cfg.RenewalMargin,
	})
	if cfg.RenewalEnabled {
		mgr.StartAutoRenewal(ctx, cfg.RenewalInterval())
	}

	// --- Catch-up Poller ---
	var poller *catchup.Poller
	if cfg.CatchUpInterval > 0 {
		poller = catchup.NewPoller(catchup.PollerConfig{
			Registry:   reg,
			Reconciler: reconciler,
			Extractor:  extractor,
			Watermarks: store,
			Interval:   cfg.CatchUpInterval,
		})
		poller.Start(ctx)
	}

	// --- Listener ---
	var lis *listener.Listener
	var receiver *listener.PubSubReceiver
	if cfg.ListenerEnabled {
		receiver, err = listener.NewPubSubReceiver(ctx, listener.PubSubConfig{
			Subscription:    cfg.Subscription,
			ProjectID:       cfg.ProjectID,
			SubscriptionID:  cfg.SubscriptionID,
			CredentialsFile: cfg.PubSubCredsFile,
			FlowControl: listener.FlowControl{
				MaxMessages:      cfg.FlowControl.MaxMessages,
				MaxBytes:         cfg.FlowControl.MaxBytes,
				MaxLeaseDuration: cfg.FlowControl.MaxLeaseDuration,
			},
		})
		if err != nil {
			slog.Error("failed to configure Pub/Sub receiver", "error", err)
			os.Exit(1)
		}

		lis, err = listener.New(listener.ListenerConfig{
			Receiver:    receiver,
			Handler:     rtr,
			StopTimeout: cfg.StopTimeout,
		})
		if err != nil {
			slog.Error("failed to create listener", "error", err)
			os.Exit(1)
		}
	}

	// --- Startup Diagnostics ---
	if cfg.DiagnosticsEnabled {
		checks := []diagnostics.Check{diagnostics.DirCheck("tokens_dir", cfg.TokensDir)}
		if receiver != nil {
			checks = append(checks, diagnostics.SubscriptionCheck(receiver))
		}
		if sinkPinger != nil {
			checks = append(checks, diagnostics.PingCheck("postgres", sinkPinger))
		}
		if redisPinger != nil {
			checks = append(checks, diagnostics.PingCheck("redis", redisPinger))
		}
		diagnostics.Run(ctx, diagnostics.DefaultTimeout, checks...)
	}

	if lis != nil {
		if err := lis.Start(ctx); err != nil {
			slog.Error("failed to start listener", "error", err)
			os.Exit(1)
		}
	}

	// --- HTTP Server (health, metrics, push) ---
	var push *webhook.Handler
	if cfg.PushEnabled {
		push = webhook.NewHandler(rtr, cfg.PushToken)
	}
	mux := webhook.NewMux(push, func() (bool, map[string]string) {
		details := map[string]string{"accounts": fmt.Sprint(reg.Len())}
		if lis == nil {
			details["listener"] = "disabled"
			return true, details
		}
		st := lis.State()
		details["listener"] = st.String()
		if err := lis.Err(); err != nil {
			details["listener_error"] = err.Error()
		}
		return st == listener.Running, details
	})
	ready, err := webhook.Serve(ctx, cfg.Port, mux)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	slog.Info("mailpush service running",
		"accounts", reg.Len(),
		"port", cfg.Port,
	)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var listenerDone <-chan struct{}
	if lis != nil {
		listenerDone = lis.Done()
	}

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-listenerDone:
		slog.Error("listener terminated unexpectedly", "error", lis.Err())
	}

	if lis != nil {
		lis.Stop()
	}
	mgr.StopAutoRenewal()
	if poller != nil {
		poller.Stop()
	}
	cancel()

	slog.Info("mailpush service stopped")
}
