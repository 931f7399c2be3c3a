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

// Package history turns a push notification into the concrete list of new
// message ids by paging through an account's change log from its watermark.
// Reconciliation is serialised per account so concurrent notifications for
// the same mailbox cannot clobber each other's watermark.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/metrics"
	"github.com/bcem/mailpush/internal/models"
	"github.com/bcem/mailpush/internal/state"
)

// ErrNoStartPosition means there is neither a stored watermark nor a push hint.
var ErrNoStartPosition = errors.New("no watermark and no push hint")

// Lister pages through an account's change log.
// Implemented by gmail.Client.
type Lister interface {
	ListHistory(ctx context.Context, startHistoryID, pageToken string) (*gmail.HistoryPage, error)
}

// Result is the outcome of one reconciliation.
type Result struct {
	// MessageIDs holds every newly added message id once, in first-seen order.
	MessageIDs []string
	// Watermark is the highest position seen, or the start position.
	Watermark string
}

// Reconciler advances per-account watermarks through the change log.
type Reconciler struct {
	store state.WatermarkStore
	locks *keyedMutex
}

// NewReconciler creates a reconciler backed by the given watermark store.
func NewReconciler(store state.WatermarkStore) *Reconciler {
	return &Reconciler{
		store: store,
		locks: newKeyedMutex(),
	}
}

// Reconcile returns the message ids added since the account's watermark.
//
// The stored watermark is always preferred over hint. hint is only the
// starting point when nothing is stored, so a missing watermark never causes
// a scan from the start of the mailbox. The new watermark is persisted
// before returning; a failure to persist is logged, not returned.
func (r *Reconciler) Reconcile(ctx context.Context, account string, client Lister, hint string) (*Result, error) {
	unlock := r.locks.Lock(account)
	defer unlock()

	stored, err := r.store.LoadWatermark(ctx, account)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load watermark for %s: %w", account, err)
	}

	start := hint
	if stored != nil && stored.LastHistoryID != "" {
		start = stored.LastHistoryID
	}
	if start == "" {
		metrics.Reconciliations.WithLabelValues("no_start").Inc()
		return nil, fmt.Errorf("reconcile %s: %w", account, ErrNoStartPosition)
	}

	result, err := r.scan(ctx, account, client, start)
	if errors.Is(err, gmail.ErrHistoryExpired) {
		return r.recoverExpired(ctx, account, start, hint, err)
	}
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return nil, err
	}

	if stored == nil || result.Watermark != stored.LastHistoryID {
		r.save(ctx, account, result.Watermark)
	}

	metrics.Reconciliations.WithLabelValues("ok").Inc()
	metrics.MessageIDsDiscovered.Add(float64(len(result.MessageIDs)))

	slog.Info("history reconciled",
		"account", account,
		"start_history_id", start,
		"history_id", result.Watermark,
		"new_messages", len(result.MessageIDs),
	)
	return result, nil
}

// scan pages through the change log from start, collecting added ids.
func (r *Reconciler) scan(ctx context.Context, account string, client Lister, start string) (*Result, error) {
	seen := make(map[string]struct{})
	result := &Result{Watermark: start}
	warned := false

	pageToken := ""
	for pageNum := 0; ; pageNum++ {
		page, err := client.ListHistory(ctx, start, pageToken)
		if err != nil {
			if pageNum > 0 && errors.Is(err, gmail.ErrHistoryExpired) {
				// Only the first page can report an expired start.
				err = fmt.Errorf("history page %d: %s", pageNum, err.Error())
			}
			return nil, fmt.Errorf("list history for %s: %w", account, err)
		}

		for _, rec := range page.Records {
			for _, id := range rec.AddedMessageIDs {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				result.MessageIDs = append(result.MessageIDs, id)
			}

			c, numeric := models.ComparePositions(rec.ID, result.Watermark)
			if !numeric && !warned {
				slog.Warn("non-numeric history position; ordering by length and text",
					"account", account,
					"history_id", rec.ID,
					"current", result.Watermark,
				)
				warned = true
			}
			if c > 0 {
				result.Watermark = rec.ID
			}
		}

		if page.NextPageToken == "" {
			return result, nil
		}
		pageToken = page.NextPageToken
	}
}

// recoverExpired handles a start position the provider no longer retains.
// If the push hint is ahead of start the watermark jumps to it; changes in
// between cannot be recovered through the change log.
func (r *Reconciler) recoverExpired(ctx context.Context, account, start, hint string, cause error) (*Result, error) {
	if c, _ := models.ComparePositions(hint, start); hint == "" || c <= 0 {
		metrics.Reconciliations.WithLabelValues("expired").Inc()
		return nil, cause
	}

	slog.Warn("history start position expired; advancing watermark to push hint",
		"account", account,
		"start_history_id", start,
		"history_id", hint,
	)
	r.save(ctx, account, hint)
	metrics.Reconciliations.WithLabelValues("expired_recovered").Inc()
	return &Result{Watermark: hint}, nil
}

func (r *Reconciler) save(ctx context.Context, account, position string) {
	err := r.store.SaveWatermark(ctx, models.AccountWatermark{
		AccountID:     account,
		LastHistoryID: position,
		LastUpdated:   time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to persist watermark",
			"account", account,
			"history_id", position,
			"error", err,
		)
	}
}
