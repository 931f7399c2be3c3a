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

// Package router turns decoded broker events into reconciliation and
// extraction work for the right account.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bcem/mailpush/internal/extract"
	"github.com/bcem/mailpush/internal/history"
	"github.com/bcem/mailpush/internal/listener"
	"github.com/bcem/mailpush/internal/registry"
)

// Field names recognised on events. Lookups are case-insensitive.
var (
	messageIDFields = []string{"message_id", "messageid", "gmailmessageid"}
	accountFields   = []string{"emailaddress", "account", "accountaddress"}
	historyIDFields = []string{"historyid", "history_id"}
)

// Reconciler is implemented by history.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, account string, client history.Lister, hint string) (*history.Result, error)
}

// Extractor is implemented by extract.Extractor.
type Extractor interface {
	ProcessOne(ctx context.Context, account string, client extract.Fetcher, messageID string) (extract.Outcome, error)
	Process(ctx context.Context, account string, client extract.Fetcher, messageIDs []string) extract.Summary
}

// Router implements listener.EventHandler.
type Router struct {
	registry   *registry.Registry
	reconciler Reconciler
	extractor  Extractor
}

// RouterConfig holds the collaborators of a Router.
type RouterConfig struct {
	Registry   *registry.Registry
	Reconciler Reconciler
	Extractor  Extractor
}

// New creates an event router.
func New(cfg RouterConfig) *Router {
	return &Router{
		registry:   cfg.Registry,
		reconciler: cfg.Reconciler,
		extractor:  cfg.Extractor,
	}
}

// HandleEvent routes one event. Events that carry nothing actionable, or
// name an account without a registered client, are logged and return nil so
// the listener acknowledges them. Errors are returned for the listener to
// classify as transient or terminal.
func (r *Router) HandleEvent(ctx context.Context, ev listener.Event) error {
	payload, _ := ev.Payload.(map[string]interface{})
	ev.Attributes = lowerKeys(ev.Attributes)

	if messageID := directReference(payload); messageID != "" {
		return r.routeDirect(ctx, ev, payload, messageID)
	}

	account := strings.ToLower(firstNonEmpty(lookup(ev.Attributes, accountFields), lookupPayload(payload, accountFields)))
	hint := firstNonEmpty(lookup(ev.Attributes, historyIDFields), lookupPayload(payload, historyIDFields))
	if account == "" || hint == "" {
		slog.Info("event has no account or history id; ignoring",
			"event_id", ev.MessageID,
			"has_account", account != "",
			"has_history_id", hint != "",
		)
		return nil
	}

	return r.routeHint(ctx, ev, account, hint)
}

// routeDirect extracts a single explicitly referenced message.
func (r *Router) routeDirect(ctx context.Context, ev listener.Event, payload map[string]interface{}, messageID string) error {
	account := strings.ToLower(firstNonEmpty(lookupPayload(payload, accountFields), lookup(ev.Attributes, accountFields)))
	if account == "" {
		accounts := r.registry.Accounts()
		if len(accounts) != 1 {
			slog.Warn("direct message reference without account; ignoring",
				"event_id", ev.MessageID,
				"message_id", messageID,
				"registered_accounts", len(accounts),
			)
			return nil
		}
		account = accounts[0]
	}

	client, ok := r.registry.Client(account)
	if !ok {
		slog.Warn("no client registered for account; ignoring",
			"account", account,
			"message_id", messageID,
		)
		return nil
	}

	outcome, err := r.extractor.ProcessOne(ctx, account, client, messageID)
	if err != nil {
		return fmt.Errorf("process message %s for %s: %w", messageID, account, err)
	}
	slog.Debug("direct message reference processed",
		"account", account,
		"message_id", messageID,
		"outcome", outcome.String(),
	)
	return nil
}

// routeHint reconciles the account's change log and extracts new messages.
func (r *Router) routeHint(ctx context.Context, ev listener.Event, account, hint string) error {
	client, ok := r.registry.Client(account)
	if !ok {
		slog.Warn("no client registered for account; ignoring",
			"account", account,
			"event_id", ev.MessageID,
		)
		return nil
	}

	result, err := r.reconciler.Reconcile(ctx, account, client, hint)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", account, err)
	}
	if len(result.MessageIDs) == 0 {
		return nil
	}

	sum := r.extractor.Process(ctx, account, client, result.MessageIDs)
	slog.Info("notification processed",
		"account", account,
		"history_id", result.Watermark,
		"saved", sum.Saved,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return nil
}

// directReference returns the explicit message id carried by payload, if any.
func directReference(payload map[string]interface{}) string {
	if id := lookupPayload(payload, messageIDFields); id != "" {
		return id
	}
	for k, v := range payload {
		if strings.ToLower(k) != "message" {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			return lookupPayload(nested, []string{"id"})
		}
	}
	return ""
}

func lowerKeys(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[strings.ToLower(k)] = v
	}
	return out
}

// lookup reads the first non-empty attribute from lowercase-keyed attrs.
func lookup(attrs map[string]string, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(attrs[name]); v != "" {
			return v
		}
	}
	return ""
}

// lookupPayload reads the first non-empty scalar field of payload, matching
// keys case-insensitively.
func lookupPayload(payload map[string]interface{}, names []string) string {
	if len(payload) == 0 {
		return ""
	}
	lowered := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		lowered[strings.ToLower(k)] = v
	}
	for _, name := range names {
		if s := scalar(lowered[name]); s != "" {
			return s
		}
	}
	return ""
}

// scalar renders a JSON scalar as text. Numbers keep their exact digits.
func scalar(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
