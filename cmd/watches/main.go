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

// mailpush watches
//
// Operator CLI for Gmail watch registrations.
//
// Usage:
//
//	watches setup            register every account, replacing existing watches
//	watches renew            register only accounts whose watch is due
//	watches status           print stored registrations
//	watches stop <account>   stop push delivery for one account
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bcem/mailpush/internal/config"
	"github.com/bcem/mailpush/internal/registry"
	"github.com/bcem/mailpush/internal/state"
	"github.com/bcem/mailpush/internal/watch"
)

var outputFormat string

var rootCmd = &cobra.Command{
	Use:   "watches",
	Short: "Manage Gmail watch registrations",
	Long: `watches registers, renews, inspects and stops the Gmail push watches
used by the mailpush service. Configuration is read from config.yaml and
the environment, exactly as the server reads it.`,
	SilenceUsage: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Register a watch for every account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *watch.Manager) error {
			return report(mgr.SetupAll(ctx))
		})
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew watches that are missing or close to expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *watch.Manager) error {
			return report(mgr.RenewAll(ctx))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored watch registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *watch.Manager) error {
			return printStatuses(mgr.Statuses(ctx))
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <account>",
	Short: "Stop push delivery for one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, mgr *watch.Manager) error {
			if err := mgr.StopWatch(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("watch stopped for %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json")
	rootCmd.AddCommand(setupCmd, renewCmd, statusCmd, stopCmd)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withManager builds the registry, state store and manager, then runs fn.
func withManager(ctx context.Context, fn func(context.Context, *watch.Manager) error) error {
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.ValidateTopic(); err != nil {
		return err
	}
	if cfg.StateBackend == "postgres" && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for STATE_BACKEND=postgres")
	}

	var pool *pgxpool.Pool
	if cfg.StateBackend == "postgres" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		defer pool.Close()
	}

	store, err := state.Open(ctx, cfg.StateBackend, cfg.StateDir, pool)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	reg, err := registry.Load(ctx, registry.LoadConfig{
		TokensDir:       cfg.TokensDir,
		CredentialsFile: cfg.CredentialsFile,
		Include:         cfg.Accounts,
		Exclude:         cfg.ExcludeAccounts,
	})
	if err != nil {
		return fmt.Errorf("build account registry: %w", err)
	}
	if reg.Len() == 0 {
		return fmt.Errorf("no accounts found in %s", cfg.TokensDir)
	}

	mgr := watch.NewManager(watch.ManagerConfig{
		Registry:            reg,
		Registrations:       store,
		Watermarks:          store,
		Topic:               cfg.TopicPath(),
		LabelIDs:            cfg.LabelIDs,
		LabelFilterBehavior: cfg.LabelFilterBehavior,
		Margin:              cfg.RenewalMargin,
	})
	return fn(ctx, mgr)
}

// report prints per-account results and fails if any account failed.
func report(results map[string]bool) error {
	accounts := make([]string, 0, len(results))
	for a := range results {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	if outputFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	failed := 0
	for _, a := range accounts {
		mark := "ok"
		if !results[a] {
			mark = "FAILED"
			failed++
		}
		fmt.Printf("%-40s %s\n", a, mark)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(results))
	}
	return nil
}

type statusRow struct {
	Account     string     `json:"account"`
	Expiration  *time.Time `json:"expiration,omitempty"`
	LastRenewed *time.Time `json:"lastRenewed,omitempty"`
	HistoryID   string     `json:"historyId,omitempty"`
	Due         bool       `json:"due"`
	Error       string     `json:"error,omitempty"`
}

func printStatuses(statuses []watch.Status) error {
	rows := make([]statusRow, 0, len(statuses))
	for _, s := range statuses {
		row := statusRow{Account: s.Account, Due: s.Due}
		if s.Err != nil {
			row.Error = s.Err.Error()
		}
		if r := s.Registration; r != nil {
			if !r.Expiration.IsZero() {
				exp := r.Expiration
				row.Expiration = &exp
			}
			if !r.LastRenewed.IsZero() {
				lr := r.LastRenewed
				row.LastRenewed = &lr
			}
			row.HistoryID = r.HistoryID
		}
		rows = append(rows, row)
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tEXPIRES\tLAST RENEWED\tHISTORY ID\tDUE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			r.Account, formatTime(r.Expiration), formatTime(r.LastRenewed), dash(r.HistoryID), r.Due)
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
