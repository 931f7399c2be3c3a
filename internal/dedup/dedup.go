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

// Package dedup provides a short-lived Redis claim per message id so two
// concurrent deliveries for the same mailbox do not extract the same message
// twice. Durable exactly-once lives in the email store; the claim only
// avoids duplicate fetches.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a claim survives a crashed worker.
	DefaultTTL = 10 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "mailpush:claim:"
)

// Filter claims message ids in Redis.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a claim filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

func key(messageID string) string {
	return keyPrefix + messageID
}

// Claim returns true if the caller now owns messageID.
// The claim is taken atomically (SETNX) and expires after the TTL.
func (f *Filter) Claim(ctx context.Context, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim SETNX: %w", err)
	}
	return set, nil
}

// Release drops a claim so the id can be retried immediately.
func (f *Filter) Release(ctx context.Context, messageID string) error {
	if err := f.rdb.Del(ctx, key(messageID)).Err(); err != nil {
		return fmt.Errorf("claim DEL: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (f *Filter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.rdb.Ping(ctx).Err()
}
