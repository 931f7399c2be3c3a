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

// Package watch keeps a push registration alive for every account. A
// registration is renewed when it is missing or expires within a safety
// margin; renewal runs once at startup and then on a fixed interval.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/metrics"
	"github.com/bcem/mailpush/internal/models"
	"github.com/bcem/mailpush/internal/registry"
	"github.com/bcem/mailpush/internal/state"
)

// DefaultMargin is how long before expiry a registration becomes due.
const DefaultMargin = 24 * time.Hour

// stopJoinTimeout bounds StopAutoRenewal's wait for the renewal loop.
const stopJoinTimeout = 5 * time.Second

// Manager registers, renews and stops watches for registered accounts.
type Manager struct {
	registry      *registry.Registry
	registrations state.RegistrationStore
	watermarks    state.WatermarkStore
	topic         string
	labelIDs      []string
	behavior      string
	margin        time.Duration
	now           func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// ManagerConfig holds the configuration for a Manager. Watermarks is
// optional; when set, a new registration seeds a missing watermark.
type ManagerConfig struct {
	Registry            *registry.Registry
	Registrations       state.RegistrationStore
	Watermarks          state.WatermarkStore
	Topic               string
	LabelIDs            []string
	LabelFilterBehavior string
	Margin              time.Duration
}

// Status is the registration state of one account.
type Status struct {
	Account      string
	Registration *models.WatchRegistration
	Due          bool
	Err          error
}

// NewManager creates a watch lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	behavior := cfg.LabelFilterBehavior
	if behavior == "" {
		behavior = "INCLUDE"
	}
	return &Manager{
		registry:      cfg.Registry,
		registrations: cfg.Registrations,
		watermarks:    cfg.Watermarks,
		topic:         cfg.Topic,
		labelIDs:      cfg.LabelIDs,
		behavior:      behavior,
		margin:        margin,
		now:           time.Now,
	}
}

// IsExpired reports whether reg must be renewed: it is missing, has no
// expiration, or expires within the safety margin.
func (m *Manager) IsExpired(reg *models.WatchRegistration) bool {
	if reg == nil || reg.Expiration.IsZero() {
		return true
	}
	return reg.Expiration.Sub(m.now()) < m.margin
}

// Register creates or replaces the watch for one account and persists the
// resulting registration.
func (m *Manager) Register(ctx context.Context, account string) error {
	client, ok := m.registry.Client(account)
	if !ok {
		return fmt.Errorf("no client registered for %s", account)
	}

	res, err := client.Watch(ctx, gmail.WatchRequest{
		Topic:               m.topic,
		LabelIDs:            m.labelIDs,
		LabelFilterBehavior: m.behavior,
	})
	if err != nil {
		metrics.WatchRegistrations.WithLabelValues("failed").Inc()
		return fmt.Errorf("watch %s: %w", account, err)
	}

	reg := models.WatchRegistration{
		AccountID:           account,
		Topic:               m.topic,
		Expiration:          res.Expiration,
		LabelIDs:            m.labelIDs,
		LabelFilterBehavior: m.behavior,
		HistoryID:           res.HistoryID,
		LastRenewed:         m.now().UTC(),
	}
	if err := m.registrations.SaveRegistration(ctx, reg); err != nil {
		metrics.WatchRegistrations.WithLabelValues("failed").Inc()
		return fmt.Errorf("save registration for %s: %w", account, err)
	}
	metrics.WatchRegistrations.WithLabelValues("ok").Inc()

	m.seedWatermark(ctx, account, res.HistoryID)

	slog.Info("watch registered",
		"account", account,
		"expiration", res.Expiration,
		"history_id", res.HistoryID,
	)
	return nil
}

// seedWatermark stores the registration position for an account that has
// no watermark yet.
func (m *Manager) seedWatermark(ctx context.Context, account, historyID string) {
	if m.watermarks == nil || historyID == "" {
		return
	}
	existing, err := m.watermarks.LoadWatermark(ctx, account)
	if err != nil {
		slog.Warn("could not load watermark to seed", "account", account, "error", err)
		return
	}
	if existing != nil {
		return
	}
	err = m.watermarks.SaveWatermark(ctx, models.AccountWatermark{
		AccountID:     account,
		LastHistoryID: historyID,
		LastUpdated:   m.now().UTC(),
	})
	if err != nil {
		slog.Error("failed to seed watermark", "account", account, "error", err)
		return
	}
	slog.Info("watermark seeded from watch registration",
		"account", account,
		"history_id", historyID,
	)
}

// SetupAll registers every account regardless of its current state.
// The result maps each account to whether registration succeeded.
func (m *Manager) SetupAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for i, account := range m.registry.Accounts() {
		if interrupted(ctx, "setup", i) {
			break
		}
		if err := m.Register(ctx, account); err != nil {
			slog.Error("failed to register watch", "account", account, "error", err)
			results[account] = false
			continue
		}
		results[account] = true
	}
	return results
}

// RenewAll registers only accounts whose registration is due. The result
// maps each account to whether it holds a valid registration afterwards.
// Once ctx is done the remaining accounts are left out of the result.
func (m *Manager) RenewAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for i, account := range m.registry.Accounts() {
		if interrupted(ctx, "renewal", i) {
			break
		}
		reg, err := m.registrations.LoadRegistration(ctx, account)
		if err != nil {
			slog.Warn("could not load registration; renewing",
				"account", account,
				"error", err,
			)
			reg = nil
		}

		if !m.IsExpired(reg) {
			slog.Debug("watch still valid",
				"account", account,
				"expires_in", reg.Expiration.Sub(m.now()).Round(time.Minute),
			)
			results[account] = true
			continue
		}

		slog.Info("renewing watch", "account", account)
		if err := m.Register(ctx, account); err != nil {
			slog.Error("failed to renew watch", "account", account, "error", err)
			results[account] = false
			continue
		}
		results[account] = true
	}
	return results
}

// interrupted reports whether ctx is done before the scan reaches account i.
func interrupted(ctx context.Context, scan string, i int) bool {
	if ctx.Err() == nil {
		return false
	}
	slog.Info("watch scan interrupted", "scan", scan, "processed", i, "error", ctx.Err())
	return true
}

// StopWatch stops push delivery for an account and marks its stored
// registration as expired.
func (m *Manager) StopWatch(ctx context.Context, account string) error {
	client, ok := m.registry.Client(account)
	if !ok {
		return fmt.Errorf("no client registered for %s", account)
	}
	if err := client.StopWatch(ctx); err != nil {
		return fmt.Errorf("stop watch %s: %w", account, err)
	}

	reg, err := m.registrations.LoadRegistration(ctx, account)
	if err != nil {
		return fmt.Errorf("load registration for %s: %w", account, err)
	}
	if reg != nil {
		reg.Expiration = time.Time{}
		if err := m.registrations.SaveRegistration(ctx, *reg); err != nil {
			return fmt.Errorf("save registration for %s: %w", account, err)
		}
	}
	slog.Info("watch stopped", "account", account)
	return nil
}

// Statuses reports the stored registration of every account.
func (m *Manager) Statuses(ctx context.Context) []Status {
	accounts := m.registry.Accounts()
	out := make([]Status, 0, len(accounts))
	for _, account := range accounts {
		reg, err := m.registrations.LoadRegistration(ctx, account)
		out = append(out, Status{
			Account:      account,
			Registration: reg,
			Due:          err != nil || m.IsExpired(reg),
			Err:          err,
		})
	}
	return out
}

// StartAutoRenewal scans immediately and then once per interval until
// StopAutoRenewal is called or ctx is cancelled. A second call while the
// loop runs is ignored.
func (m *Manager) StartAutoRenewal(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			slog.Warn("watch renewal loop already running")
			return
		}
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.renewalLoop(ctx, interval, m.stop, m.done)

	slog.Info("watch renewal loop started", "interval", interval)
}

// StopAutoRenewal stops the renewal loop and waits up to five seconds for
// it to exit. Calling it when the loop is not running is a no-op.
func (m *Manager) StopAutoRenewal() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)

	select {
	case <-done:
		slog.Info("watch renewal loop stopped")
	case <-time.After(stopJoinTimeout):
		slog.Warn("watch renewal loop did not stop in time")
	}
}

func (m *Manager) renewalLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Closing stop also cancels a scan in progress.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		results := m.RenewAll(ctx)
		if ctx.Err() != nil {
			return
		}
		failed := 0
		for _, ok := range results {
			if !ok {
				failed++
			}
		}
		slog.Info("watch renewal scan complete",
			"accounts", len(results),
			"failed", failed,
		)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
