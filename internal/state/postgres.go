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

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailpush/internal/models"
)

// PGStore keeps watermarks and registrations in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed state store and ensures its tables exist.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}
	slog.Info("state store initialised", "backend", "postgres")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_watermarks (
			account          TEXT PRIMARY KEY,
			last_history_id  TEXT NOT NULL,
			last_updated     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS watch_registrations (
			account                TEXT PRIMARY KEY,
			topic                  TEXT NOT NULL,
			expires_at             TIMESTAMPTZ NOT NULL,
			label_ids              TEXT[] NOT NULL DEFAULT '{}',
			label_filter_behavior  TEXT NOT NULL DEFAULT '',
			history_id             TEXT NOT NULL DEFAULT '',
			last_renewed           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_watch_expires ON watch_registrations(expires_at);
	`)
	return err
}

// LoadWatermark retrieves the watermark for an account.
func (s *PGStore) LoadWatermark(ctx context.Context, account string) (*models.AccountWatermark, error) {
	var wm models.AccountWatermark
	err := s.pool.QueryRow(ctx, `
		SELECT account, last_history_id, last_updated
		FROM account_watermarks
		WHERE account = $1
	`, strings.ToLower(account)).Scan(&wm.AccountID, &wm.LastHistoryID, &wm.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watermark for %s: %w", account, err)
	}
	return &wm, nil
}

// SaveWatermark upserts the watermark unless it would move backwards.
// Concurrent writers for the same account are serialised with a
// transaction-scoped advisory lock.
func (s *PGStore) SaveWatermark(ctx context.Context, wm models.AccountWatermark) error {
	account := strings.ToLower(wm.AccountID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin watermark tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, account); err != nil {
		return fmt.Errorf("lock watermark for %s: %w", account, err)
	}

	var current string
	err = tx.QueryRow(ctx, `
		SELECT last_history_id FROM account_watermarks WHERE account = $1
	`, account).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read watermark for %s: %w", account, err)
	default:
		if c, _ := models.ComparePositions(wm.LastHistoryID, current); c < 0 {
			slog.Warn("refusing to move watermark backwards",
				"account", account,
				"current", current,
				"proposed", wm.LastHistoryID,
			)
			return nil
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO account_watermarks (account, last_history_id, last_updated)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			last_history_id = EXCLUDED.last_history_id,
			last_updated    = NOW()
	`, account, wm.LastHistoryID); err != nil {
		return fmt.Errorf("upsert watermark for %s: %w", account, err)
	}

	return tx.Commit(ctx)
}

// LoadRegistration retrieves the watch registration for an account.
func (s *PGStore) LoadRegistration(ctx context.Context, account string) (*models.WatchRegistration, error) {
	var reg models.WatchRegistration
	err := s.pool.QueryRow(ctx, `
		SELECT account, topic, expires_at, label_ids, label_filter_behavior,
		       history_id, last_renewed
		FROM watch_registrations
		WHERE account = $1
	`, strings.ToLower(account)).Scan(
		&reg.AccountID, &reg.Topic, &reg.Expiration, &reg.LabelIDs,
		&reg.LabelFilterBehavior, &reg.HistoryID, &reg.LastRenewed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registration for %s: %w", account, err)
	}
	return &reg, nil
}

// SaveRegistration upserts the watch registration for an account.
func (s *PGStore) SaveRegistration(ctx context.Context, reg models.WatchRegistration) error {
	labels := reg.LabelIDs
	if labels == nil {
		labels = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watch_registrations
			(account, topic, expires_at, label_ids, label_filter_behavior, history_id, last_renewed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account) DO UPDATE SET
			topic                 = EXCLUDED.topic,
			expires_at            = EXCLUDED.expires_at,
			label_ids             = EXCLUDED.label_ids,
			label_filter_behavior = EXCLUDED.label_filter_behavior,
			history_id            = EXCLUDED.history_id,
			last_renewed          = EXCLUDED.last_renewed
	`, strings.ToLower(reg.AccountID), reg.Topic, reg.Expiration, labels,
		reg.LabelFilterBehavior, reg.HistoryID, reg.LastRenewed)
	if err != nil {
		return fmt.Errorf("save registration for %s: %w", reg.AccountID, err)
	}
	return nil
}
