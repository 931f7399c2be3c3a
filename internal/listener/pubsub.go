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

package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// ErrInvalidFlowControl is returned for a non-positive flow-control limit.
var ErrInvalidFlowControl = errors.New("invalid flow control")

// FlowControl bounds unsettled deliveries. All limits must be positive.
type FlowControl struct {
	MaxMessages      int
	MaxBytes         int
	MaxLeaseDuration time.Duration
}

// Validate checks every limit is positive.
func (f FlowControl) Validate() error {
	switch {
	case f.MaxMessages <= 0:
		return fmt.Errorf("%w: max messages must be positive, got %d", ErrInvalidFlowControl, f.MaxMessages)
	case f.MaxBytes <= 0:
		return fmt.Errorf("%w: max bytes must be positive, got %d", ErrInvalidFlowControl, f.MaxBytes)
	case f.MaxLeaseDuration < time.Second:
		return fmt.Errorf("%w: max lease duration must be at least 1s, got %s", ErrInvalidFlowControl, f.MaxLeaseDuration)
	}
	return nil
}

// ResolveSubscription splits a subscription reference into project and id.
// A full "projects/<p>/subscriptions/<s>" path wins; otherwise subscription
// (or subscriptionID) is a short id in projectID.
func ResolveSubscription(subscription, projectID, subscriptionID string) (string, string, error) {
	if strings.HasPrefix(subscription, "projects/") {
		parts := strings.Split(subscription, "/")
		if len(parts) != 4 || parts[2] != "subscriptions" || parts[1] == "" || parts[3] == "" {
			return "", "", fmt.Errorf("malformed subscription path %q", subscription)
		}
		return parts[1], parts[3], nil
	}

	id := subscription
	if id == "" {
		id = subscriptionID
	}
	if id == "" || projectID == "" {
		return "", "", fmt.Errorf("subscription not provided: need a full path or project id + subscription id")
	}
	return projectID, id, nil
}

// PubSubConfig holds the configuration for a Pub/Sub receiver.
type PubSubConfig struct {
	Subscription    string
	ProjectID       string
	SubscriptionID  string
	CredentialsFile string
	FlowControl     FlowControl
	Options         []option.ClientOption
}

// PubSubReceiver is a Receiver over a Cloud Pub/Sub streaming pull.
type PubSubReceiver struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	path   string
}

// NewPubSubReceiver validates the configuration and opens a Pub/Sub client.
// Invalid flow control or subscription settings fail here, before any
// message is received.
func NewPubSubReceiver(ctx context.Context, cfg PubSubConfig) (*PubSubReceiver, error) {
	if err := cfg.FlowControl.Validate(); err != nil {
		return nil, err
	}
	project, id, err := ResolveSubscription(cfg.Subscription, cfg.ProjectID, cfg.SubscriptionID)
	if err != nil {
		return nil, err
	}

	opts := append([]option.ClientOption{}, cfg.Options...)
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	sub := client.Subscription(id)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.FlowControl.MaxMessages
	sub.ReceiveSettings.MaxOutstandingBytes = cfg.FlowControl.MaxBytes
	sub.ReceiveSettings.MaxExtension = cfg.FlowControl.MaxLeaseDuration

	path := fmt.Sprintf("projects/%s/subscriptions/%s", project, id)
	slog.Info("pubsub receiver configured",
		"subscription", path,
		"max_messages", cfg.FlowControl.MaxMessages,
		"max_bytes", cfg.FlowControl.MaxBytes,
		"max_lease", cfg.FlowControl.MaxLeaseDuration,
	)

	return &PubSubReceiver{client: client, sub: sub, path: path}, nil
}

// Path returns the fully-qualified subscription name.
func (r *PubSubReceiver) Path() string {
	return r.path
}

// Receive runs the streaming pull until ctx is cancelled.
func (r *PubSubReceiver) Receive(ctx context.Context, fn func(context.Context, Message)) error {
	return r.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		fn(ctx, pubsubMessage{m: m})
	})
}

// Exists reports whether the subscription exists.
func (r *PubSubReceiver) Exists(ctx context.Context) (bool, error) {
	return r.sub.Exists(ctx)
}

// Close releases the underlying gRPC connection.
func (r *PubSubReceiver) Close() error {
	return r.client.Close()
}

type pubsubMessage struct {
	m *pubsub.Message
}

func (p pubsubMessage) ID() string                    { return p.m.ID }
func (p pubsubMessage) Data() []byte                  { return p.m.Data }
func (p pubsubMessage) Attributes() map[string]string { return p.m.Attributes }
func (p pubsubMessage) Ack()                          { p.m.Ack() }
func (p pubsubMessage) Nack()                         { p.m.Nack() }
