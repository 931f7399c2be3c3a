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

package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/metrics"
	"github.com/bcem/mailpush/internal/models"
)

// Fetcher retrieves message resources and attachment bodies.
// Implemented by gmail.Client.
type Fetcher interface {
	FetchMessage(ctx context.Context, messageID string) (*gmailv1.Message, error)
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Sink is the persistence collaborator. Implemented by emaildb stores.
type Sink interface {
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	SaveEmail(ctx context.Context, rec *models.EmailRecord) error
}

// Claimer guards against two workers extracting the same id at once.
// Implemented by dedup.Filter.
type Claimer interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// Publisher forwards persisted records downstream.
// Implemented by queue.Publisher.
type Publisher interface {
	PublishEmail(ctx context.Context, rec *models.EmailRecord) error
}

// Outcome is the result of processing one message id.
type Outcome int

const (
	Saved Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Summary counts outcomes for a batch.
type Summary struct {
	Saved   int
	Skipped int
	Failed  int
}

// Extractor fetches, parses and persists messages.
type Extractor struct {
	sink               Sink
	claimer            Claimer
	publisher          Publisher
	attachmentMaxBytes int64
}

// ExtractorConfig holds the configuration for an Extractor.
// Claimer and Publisher are optional.
type ExtractorConfig struct {
	Sink               Sink
	Claimer            Claimer
	Publisher          Publisher
	AttachmentMaxBytes int64
}

// NewExtractor creates a message extractor.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	return &Extractor{
		sink:               cfg.Sink,
		claimer:            cfg.Claimer,
		publisher:          cfg.Publisher,
		attachmentMaxBytes: cfg.AttachmentMaxBytes,
	}
}

// Extract fetches one message and returns its record with attachments
// materialised where possible. Attachment failures are logged and leave
// the attachment as a descriptor.
func (e *Extractor) Extract(ctx context.Context, account string, client Fetcher, messageID string) (*models.EmailRecord, error) {
	msg, err := client.FetchMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	rec := Parse(account, msg)
	if rec.ID == "" {
		rec.ID = messageID
	}
	e.materialize(ctx, client, rec)
	return rec, nil
}

// materialize lazily fetches attachment bodies that were not inline.
func (e *Extractor) materialize(ctx context.Context, client Fetcher, rec *models.EmailRecord) {
	for i := range rec.Attachments {
		att := &rec.Attachments[i]
		if att.Materialized() || att.AttachmentID == "" {
			continue
		}
		if e.attachmentMaxBytes > 0 && att.Size > e.attachmentMaxBytes {
			slog.Info("attachment above size limit, keeping descriptor only",
				"account", rec.Account,
				"message_id", rec.ID,
				"filename", att.Filename,
				"size", att.Size,
			)
			metrics.AttachmentFetches.WithLabelValues("skipped").Inc()
			continue
		}

		data, err := client.FetchAttachment(ctx, rec.ID, att.AttachmentID)
		if err != nil {
			slog.Error("attachment fetch failed",
				"account", rec.Account,
				"message_id", rec.ID,
				"filename", att.Filename,
				"error", err,
			)
			metrics.AttachmentFetches.WithLabelValues("failed").Inc()
			continue
		}
		att.Data = data
		metrics.AttachmentFetches.WithLabelValues("ok").Inc()
	}
}

// ProcessOne extracts and persists a single message id. Already-processed
// ids are skipped. The error is returned so a caller handling a direct
// message reference can decide whether to retry.
func (e *Extractor) ProcessOne(ctx context.Context, account string, client Fetcher, messageID string) (Outcome, error) {
	outcome, err := e.processOne(ctx, account, client, messageID)
	metrics.Extractions.WithLabelValues(outcome.String()).Inc()
	return outcome, err
}

func (e *Extractor) processOne(ctx context.Context, account string, client Fetcher, messageID string) (Outcome, error) {
	done, err := e.sink.HasProcessed(ctx, messageID)
	if err != nil {
		return Failed, fmt.Errorf("check processed %s: %w", messageID, err)
	}
	if done {
		slog.Debug("message already processed", "account", account, "message_id", messageID)
		return Skipped, nil
	}

	if e.claimer != nil {
		claimed, err := e.claimer.Claim(ctx, messageID)
		if err != nil {
			// Proceed without the claim: persistence is idempotent anyway.
			slog.Warn("claim check failed", "message_id", messageID, "error", err)
		} else if !claimed {
			slog.Debug("message claimed by another worker", "account", account, "message_id", messageID)
			return Skipped, nil
		}
	}

	rec, err := e.Extract(ctx, account, client, messageID)
	if err != nil {
		e.release(ctx, messageID)
		if errors.Is(err, gmail.ErrMessageNotFound) {
			slog.Warn("message not found (may have been deleted)",
				"account", account,
				"message_id", messageID,
			)
			return Skipped, nil
		}
		return Failed, err
	}

	if err := e.sink.SaveEmail(ctx, rec); err != nil {
		e.release(ctx, messageID)
		return Failed, fmt.Errorf("save email %s: %w", messageID, err)
	}
	if err := e.sink.MarkProcessed(ctx, messageID); err != nil {
		return Failed, fmt.Errorf("mark processed %s: %w", messageID, err)
	}

	slog.Info("email persisted",
		"account", account,
		"message_id", rec.ID,
		"subject", rec.Subject,
		"attachments", len(rec.Attachments),
	)

	if e.publisher != nil {
		if err := e.publisher.PublishEmail(ctx, rec); err != nil {
			slog.Error("publish failed",
				"account", account,
				"message_id", rec.ID,
				"error", err,
			)
		}
	}
	return Saved, nil
}

// Process extracts every id in order. A failure for one id is logged and
// does not stop the rest of the batch.
func (e *Extractor) Process(ctx context.Context, account string, client Fetcher, messageIDs []string) Summary {
	var sum Summary
	for _, id := range messageIDs {
		outcome, err := e.ProcessOne(ctx, account, client, id)
		switch outcome {
		case Saved:
			sum.Saved++
		case Skipped:
			sum.Skipped++
		default:
			sum.Failed++
			slog.Error("message extraction failed",
				"account", account,
				"message_id", id,
				"error", err,
			)
		}
	}
	return sum
}

func (e *Extractor) release(ctx context.Context, messageID string) {
	if e.claimer == nil {
		return
	}
	if err := e.claimer.Release(ctx, messageID); err != nil {
		slog.Warn("claim release failed", "message_id", messageID, "error", err)
	}
}
