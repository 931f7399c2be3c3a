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

// Package registry maps mailbox accounts to authenticated provider clients.
// A Registry is built once at startup and is read-only afterwards, so it is
// safe for concurrent use without locking.
package registry

import (
	"context"
	"sort"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/mailpush/internal/gmail"
)

// MailClient is the provider surface for one account.
// Implemented by gmail.Client.
type MailClient interface {
	Account() string
	FetchMessage(ctx context.Context, messageID string) (*gmailv1.Message, error)
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	ListHistory(ctx context.Context, startHistoryID, pageToken string) (*gmail.HistoryPage, error)
	Watch(ctx context.Context, req gmail.WatchRequest) (*gmail.WatchResult, error)
	StopWatch(ctx context.Context) error
	ListMessages(ctx context.Context, query, pageToken string) (*gmail.MessagePage, error)
}

// Registry is an immutable account -> client map with case-insensitive keys.
type Registry struct {
	clients  map[string]MailClient
	accounts []string
}

// New builds a Registry from the given clients. The map is copied.
func New(clients map[string]MailClient) *Registry {
	r := &Registry{clients: make(map[string]MailClient, len(clients))}
	for account, client := range clients {
		key := normalize(account)
		if _, dup := r.clients[key]; !dup {
			r.accounts = append(r.accounts, key)
		}
		r.clients[key] = client
	}
	sort.Strings(r.accounts)
	return r
}

// Client returns the client registered for account.
func (r *Registry) Client(account string) (MailClient, bool) {
	c, ok := r.clients[normalize(account)]
	return c, ok
}

// Accounts returns the registered accounts in sorted order.
func (r *Registry) Accounts() []string {
	out := make([]string, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int {
	return len(r.accounts)
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
