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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/bcem/mailpush/internal/gmail"
)

// LoadConfig holds the configuration for building a Registry from disk.
type LoadConfig struct {
	TokensDir       string
	CredentialsFile string
	Include         []string
	Exclude         []string
}

// Load discovers accounts and builds an authenticated Gmail client for each.
// Any unreadable or invalid token file fails the whole load.
func Load(ctx context.Context, cfg LoadConfig) (*Registry, error) {
	accounts, files, err := discoverTokens(cfg.TokensDir, cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]MailClient, len(accounts))
	for _, account := range accounts {
		ts, err := LoadTokenSource(ctx, filepath.Join(cfg.TokensDir, files[account]), cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("load credentials for %s: %w", account, err)
		}

		client, err := gmail.NewClient(ctx, gmail.ClientConfig{
			Account:    account,
			HTTPClient: oauth2.NewClient(ctx, ts),
		})
		if err != nil {
			return nil, err
		}
		clients[account] = client
	}

	r := New(clients)
	slog.Info("account registry built", "accounts", r.Len())
	return r, nil
}
