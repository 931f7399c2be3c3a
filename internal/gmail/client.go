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

// Package gmail wraps the Gmail REST API for a single mailbox. Every call
// goes through a per-account circuit breaker so an unhealthy provider fails
// fast instead of tying up broker leases.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const userID = "me"

// HistoryRecord is one change-log entry restricted to message additions.
type HistoryRecord struct {
	ID              string
	AddedMessageIDs []string
}

// HistoryPage is a single page of the change log.
type HistoryPage struct {
	Records       []HistoryRecord
	HistoryID     string
	NextPageToken string
}

// MessagePage is a single page of a message search.
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// WatchRequest describes a push registration.
type WatchRequest struct {
	Topic               string
	LabelIDs            []string
	LabelFilterBehavior string
}

// WatchResult is the provider's answer to a push registration.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// Profile identifies the mailbox behind a set of credentials.
type Profile struct {
	EmailAddress string
	HistoryID    string
}

// Client is an authenticated Gmail API client for one account.
type Client struct {
	account string
	svc     *gmailv1.Service
	cb      *gobreaker.CircuitBreaker
}

// ClientConfig holds the configuration for a Gmail client.
type ClientConfig struct {
	Account    string
	HTTPClient *http.Client
	// Options are appended after the HTTP client option (endpoint overrides).
	Options []option.ClientOption

	// BreakerFailures is the number of consecutive provider failures that
	// opens the breaker. Defaults to 5.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open. Defaults to 30s.
	BreakerTimeout time.Duration
}

// NewClient creates a Gmail API client for a single account.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	opts = append(opts, cfg.Options...)

	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service for %s: %w", cfg.Account, err)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail:" + cfg.Account,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("gmail circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{account: cfg.Account, svc: svc, cb: cb}, nil
}

// Account returns the mailbox address this client is bound to.
func (c *Client) Account() string {
	return c.account
}

// BreakerState returns the circuit breaker state ("closed", "open", "half-open").
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// execute runs fn through the circuit breaker.
func (c *Client) execute(fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// FetchMessage retrieves the full message resource including the MIME tree.
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*gmailv1.Message, error) {
	var msg *gmailv1.Message
	err := c.execute(func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get(userID, messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("fetch message %s: %w", messageID, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	return msg, nil
}

// FetchAttachment retrieves and decodes an attachment body.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmailv1.MessagePartBody
	err := c.execute(func() error {
		var apiErr error
		body, apiErr = c.svc.Users.Messages.Attachments.Get(userID, messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s/%s: %w", messageID, attachmentID, err)
	}

	data, err := DecodeBody(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s/%s: %w", messageID, attachmentID, err)
	}
	return data, nil
}

// ListHistory returns one page of message additions after startHistoryID.
// A start position the provider no longer retains yields ErrHistoryExpired.
func (c *Client) ListHistory(ctx context.Context, startHistoryID, pageToken string) (*HistoryPage, error) {
	start, err := strconv.ParseUint(startHistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse start history id %q: %w", startHistoryID, err)
	}

	var resp *gmailv1.ListHistoryResponse
	err = c.execute(func() error {
		call := c.svc.Users.History.List(userID).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("list history from %s: %w", startHistoryID, ErrHistoryExpired)
		}
		return nil, fmt.Errorf("list history from %s: %w", startHistoryID, err)
	}

	page := &HistoryPage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		rec := HistoryRecord{ID: strconv.FormatUint(h.Id, 10)}
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				rec.AddedMessageIDs = append(rec.AddedMessageIDs, added.Message.Id)
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// Watch registers (or re-registers) push notifications for the mailbox.
func (c *Client) Watch(ctx context.Context, req WatchRequest) (*WatchResult, error) {
	body := &gmailv1.WatchRequest{
		TopicName:           req.Topic,
		LabelIds:            req.LabelIDs,
		LabelFilterBehavior: strings.ToLower(req.LabelFilterBehavior),
	}

	var resp *gmailv1.WatchResponse
	err := c.execute(func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.Watch(userID, body).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", c.account, err)
	}

	return &WatchResult{
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// StopWatch cancels push notifications for the mailbox.
func (c *Client) StopWatch(ctx context.Context) error {
	err := c.execute(func() error {
		return c.svc.Users.Stop(userID).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("stop watch %s: %w", c.account, err)
	}
	return nil
}

// ListMessages returns one page of message ids matching a search query.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string) (*MessagePage, error) {
	var resp *gmailv1.ListMessagesResponse
	err := c.execute(func() error {
		call := c.svc.Users.Messages.List(userID).Q(query).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("list messages %q: %w", query, err)
	}

	page := &MessagePage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// Profile returns the mailbox address and its current history position.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var resp *gmailv1.Profile
	err := c.execute(func() error {
		var apiErr error
		resp, apiErr = c.svc.Users.GetProfile(userID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", c.account, err)
	}
	return &Profile{
		EmailAddress: resp.EmailAddress,
		HistoryID:    strconv.FormatUint(resp.HistoryId, 10),
	}, nil
}

// DecodeBody decodes a Gmail base64url body, with or without padding.
func DecodeBody(data string) ([]byte, error) {
	if data == "" {
		return []byte{}, nil
	}
	out, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		// Some producers emit standard base64 despite the documented format.
		std, stdErr := base64.StdEncoding.DecodeString(data)
		if stdErr != nil {
			return nil, errors.Join(err, stdErr)
		}
		return std, nil
	}
	return out, nil
}
