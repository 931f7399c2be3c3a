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

// Package backfill provides explicit historical ingestion: it lists message
// ids received within a time window and runs them through the extractor.
// Backfill never touches the reconciliation watermark.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/registry"
)

// Extractor is implemented by extract.Extractor.
type Extractor interface {
	Process(ctx context.Context, account string, client extract.Fetcher, messageIDs []string) extract.Summary
}

// BackfillRequest defines the scope of a historical ingestion run.
type BackfillRequest struct {
	Accounts    []string
	Since       time.Duration // lookback window (e.g. 168h = 1 week)
	MaxMessages int           // per account; 0 means unlimited
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	AccountResults []AccountResult
	TotalSaved     int
	TotalSkipped   int
	TotalFailed    int
	Elapsed        time.Duration
}

// AccountResult tracks per-account backfill progress.
type AccountResult struct {
	Account string
	Listed  int
	Pages   int
	extract.Summary
	Err error
}

// Runner performs historical email backfill.
type Runner struct {
	registry  *registry.Registry
	extractor Extractor
	pageDelay time.Duration // delay between pages to avoid throttling
	now       func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Registry  *registry.Registry
	Extractor Extractor
	PageDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		registry:  cfg.Registry,
		extractor: cfg.Extractor,
		pageDelay: delay,
		now:       time.Now,
	}
}

// Query returns the provider search query for messages received after since.
func Query(since time.Time) string {
	return fmt.Sprintf("after:%d", since.Unix())
}

// Run performs the backfill for every requested account. An empty account
// list means every registered account. A failure for one account is
// recorded and does not stop the others.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	if req.Since <= 0 {
		return nil, fmt.Errorf("backfill window must be positive, got %s", req.Since)
	}

	accounts := req.Accounts
	if len(accounts) == 0 {
		accounts = r.registry.Accounts()
	}

	start := time.Now()
	query := Query(r.now().Add(-req.Since))

	slog.Info("starting historical backfill",
		"accounts", len(accounts),
		"query", query,
	)

	result := &BackfillResult{}
	for _, account := range accounts {
		ar := r.backfillAccount(ctx, account, query, req.MaxMessages)
		if ar.Err != nil {
			slog.Error("backfill failed for account",
				"account", account,
				"error", ar.Err,
			)
		}

		result.AccountResults = append(result.AccountResults, ar)
		result.TotalSaved += ar.Saved
		result.TotalSkipped += ar.Skipped
		result.TotalFailed += ar.Failed

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"total_saved", result.TotalSaved,
		"total_skipped", result.TotalSkipped,
		"total_failed", result.TotalFailed,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// backfillAccount lists and processes historical messages for one account.
func (r *Runner) backfillAccount(ctx context.Context, account, query string, max int) AccountResult {
	ar := AccountResult{Account: account}

	client, ok := r.registry.Client(account)
	if !ok {
		ar.Err = fmt.Errorf("no client registered for %s", account)
		return ar
	}

	slog.Info("backfilling account mailbox", "account", account, "query", query)

	pageToken := ""
	for {
		// Rate limit between pages
		if ar.Pages > 0 {
			select {
			case <-ctx.Done():
				ar.Err = ctx.Err()
				return ar
			case <-time.After(r.pageDelay):
			}
		}

		page, err := client.ListMessages(ctx, query, pageToken)
		if err != nil {
			ar.Err = fmt.Errorf("list page %d: %w", ar.Pages, err)
			return ar
		}
		ar.Pages++

		ids := page.IDs
		if max > 0 && ar.Listed+len(ids) > max {
			ids = ids[:max-ar.Listed]
		}
		ar.Listed += len(ids)

		slog.Debug("backfill page listed",
			"account", account,
			"page", ar.Pages,
			"messages", len(ids),
		)

		sum := r.extractor.Process(ctx, account, client, ids)
		ar.Saved += sum.Saved
		ar.Skipped += sum.Skipped
		ar.Failed += sum.Failed

		if page.NextPageToken == "" || (max > 0 && ar.Listed >= max) {
			break
		}
		pageToken = page.NextPageToken
	}

	slog.Info("account backfill complete",
		"account", account,
		"saved", ar.Saved,
		"skipped", ar.Skipped,
		"failed", ar.Failed,
		"pages", ar.Pages,
	)
	return ar
}
