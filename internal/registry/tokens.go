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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
)

// Scopes requested for every account token.
var Scopes = []string{gmailv1.GmailReadonlyScope}

// authorizedUser is the token format written by google-auth's
// Credentials.to_json().
type authorizedUser struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// LoadTokenSource builds a refreshing token source from a token file.
//
// Two formats are accepted: an authorized-user file that embeds the OAuth
// client, or a plain oauth2.Token file that needs the client secret from
// credentialsFile.
func LoadTokenSource(ctx context.Context, path, credentialsFile string) (oauth2.TokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", path, err)
	}

	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}

	if au.ClientID != "" && au.RefreshToken != "" {
		tokenURL := au.TokenURI
		if tokenURL == "" {
			tokenURL = google.Endpoint.TokenURL
		}
		scopes := au.Scopes
		if len(scopes) == 0 {
			scopes = Scopes
		}
		cfg := &oauth2.Config{
			ClientID:     au.ClientID,
			ClientSecret: au.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: google.Endpoint.AuthURL, TokenURL: tokenURL},
			Scopes:       scopes,
		}
		tok := &oauth2.Token{
			AccessToken:  au.Token,
			RefreshToken: au.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       parseExpiry(au.Expiry),
		}
		return cfg.TokenSource(ctx, tok), nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has neither access nor refresh token", path)
	}
	if credentialsFile == "" {
		return nil, fmt.Errorf("token file %s needs GMAIL_CREDENTIALS_FILE for its OAuth client", path)
	}

	secret, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %s: %w", credentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(secret, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file %s: %w", credentialsFile, err)
	}
	return cfg.TokenSource(ctx, &tok), nil
}

// parseExpiry parses an expiry timestamp. An unparsable value yields a
// time in the past so the first request refreshes the token.
func parseExpiry(v string) time.Time {
	if v == "" {
		return time.Unix(1, 0)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Unix(1, 0)
}
