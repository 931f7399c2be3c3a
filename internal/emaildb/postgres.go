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

// Package emaildb persists EmailRecords and the set of processed message ids.
package emaildb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailpush/internal/models"
)

// PGStore persists emails in Postgres. Saving an id that already exists is
// a no-op.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates an email store and ensures its tables exist.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email schema: %w", err)
	}
	slog.Info("email store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			message_id     TEXT PRIMARY KEY,
			account        TEXT NOT NULL,
			thread_id      TEXT DEFAULT '',
			history_id     TEXT DEFAULT '',
			internal_date  BIGINT DEFAULT 0,
			subject        TEXT DEFAULT '',
			from_addr      TEXT DEFAULT '',
			to_addr        TEXT DEFAULT '',
			cc_addr        TEXT DEFAULT '',
			bcc_addr       TEXT DEFAULT '',
			snippet        TEXT DEFAULT '',
			body_text      TEXT DEFAULT '',
			body_html      TEXT DEFAULT '',
			attachments    JSONB NOT NULL DEFAULT '[]',
			created_at     TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_account ON emails(account);
		CREATE TABLE IF NOT EXISTS processed_messages (
			message_id    TEXT PRIMARY KEY,
			processed_at  TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// HasProcessed reports whether the message id was marked processed.
func (s *PGStore) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed %s: %w", messageID, err)
	}
	return exists, nil
}

// MarkProcessed records the message id as processed.
func (s *PGStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (message_id) VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

// SaveEmail inserts the record unless its id already exists.
func (s *PGStore) SaveEmail(ctx context.Context, rec *models.EmailRecord) error {
	attachments, err := json.Marshal(rec.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO emails
			(message_id, account, thread_id, history_id, internal_date, subject,
			 from_addr, to_addr, cc_addr, bcc_addr, snippet, body_text, body_html, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (message_id) DO NOTHING
	`, rec.ID, rec.Account, rec.ThreadID, rec.HistoryID, rec.InternalDate, rec.Subject,
		rec.From, rec.To, rec.Cc, rec.Bcc, rec.Snippet, rec.BodyText, rec.BodyHTML, attachments)
	if err != nil {
		return fmt.Errorf("insert email %s: %w", rec.ID, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
