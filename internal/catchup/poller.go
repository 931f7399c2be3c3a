// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catchup periodically reconciles every account that already has a
// watermark, picking up changes whose push notification was lost.
package catchup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/history"
	"github.com/bcem/mailpush/internal/registry"
	"github.com/bcem/mailpush/internal/state"
)

// Reconciler is implemented by history.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, account string, client history.Lister, hint string) (*history.Result, error)
}

// Extractor is implemented by extract.Extractor.
type Extractor interface {
	Process(ctx context.Context, account string, client extract.Fetcher, messageIDs []string) extract.Summary
}

// Poller runs the safety-net reconciliation loop.
type Poller struct {
	registry   *registry.Registry
	reconciler Reconciler
	extractor  Extractor
	watermarks state.WatermarkStore
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PollerConfig holds the configuration for a Poller.
type PollerConfig struct {
	Registry   *registry.Registry
	Reconciler Reconciler
	Extractor  Extractor
	Watermarks state.WatermarkStore
	Interval   time.Duration
}

// Result summarises one pass over all accounts.
type Result struct {
	Accounts    int
	NoWatermark int
	Failed      int
	Messages    extract.Summary
}

// NewPoller creates a catch-up poller.
func NewPoller(cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Poller{
		registry:   cfg.Registry,
		reconciler: cfg.Reconciler,
		extractor:  cfg.Extractor,
		watermarks: cfg.Watermarks,
		interval:   interval,
	}
}

// Start runs one pass immediately and then one per interval until Stop.
func (p *Poller) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.RunOnce(loopCtx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.RunOnce(loopCtx)
			}
		}
	}()

	slog.Info("catch-up poller started", "interval", p.interval)
}

// Stop shuts down the loop and waits for an in-progress pass to end.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("catch-up poller stopped")
}

// RunOnce reconciles every account with a stored watermark. Accounts with
// no watermark are skipped: without a push hint there is no safe start.
func (p *Poller) RunOnce(ctx context.Context) Result {
	var res Result
	for _, account := range p.registry.Accounts() {
		if ctx.Err() != nil {
			break
		}
		res.Accounts++

		wm, err := p.watermarks.LoadWatermark(ctx, account)
		if err != nil {
			slog.Error("catch-up: load watermark failed", "account", account, "error", err)
			res.Failed++
			continue
		}
		if wm == nil {
			res.NoWatermark++
			continue
		}

		client, _ := p.registry.Client(account)
		result, err := p.reconciler.Reconcile(ctx, account, client, "")
		if err != nil {
			slog.Error("catch-up: reconcile failed", "account", account, "error", err)
			res.Failed++
			continue
		}
		if len(result.MessageIDs) == 0 {
			continue
		}

		sum := p.extractor.Process(ctx, account, client, result.MessageIDs)
		res.Messages.Saved += sum.Saved
		res.Messages.Skipped += sum.Skipped
		res.Messages.Failed += sum.Failed

		slog.Info("catch-up found missed messages",
			"account", account,
			"history_id", result.Watermark,
			"saved", sum.Saved,
		)
	}
	return res
}
