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

package diagnostics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailpush/internal/dedup"
)

type fakeSub struct {
	exists bool
	err    error
}

func (f fakeSub) Exists(context.Context) (bool, error) { return f.exists, f.err }

func TestRun_CollectsEveryResult(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a@example.com.json"), []byte("{}"), 0o600))

	results := Run(context.Background(), time.Second,
		SubscriptionCheck(fakeSub{exists: true}),
		SubscriptionCheck(fakeSub{exists: false}),
		SubscriptionCheck(fakeSub{err: errors.New("permission denied")}),
		DirCheck("tokens_dir", dir),
		DirCheck("missing_dir", filepath.Join(dir, "nope")),
		DirCheck("empty_dir", t.TempDir()),
	)

	require.Len(t, results, 6)
	want := []bool{true, false, false, true, false, false}
	for i, r := range results {
		assert.Equal(t, want[i], r.OK(), "check %d (%s): %v", i, r.Name, r.Err)
	}
}

func TestRun_AppliesTimeout(t *testing.T) {
	slow := Check{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	start := time.Now()
	results := Run(context.Background(), 50*time.Millisecond, slow)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPingCheck_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	filter := dedup.NewFilter(rdb, 0)
	results := Run(context.Background(), time.Second, PingCheck("redis", filter))
	require.Len(t, results, 1)
	assert.True(t, results[0].OK(), "redis ping: %v", results[0].Err)

	mr.Close()
	results = Run(context.Background(), time.Second, PingCheck("redis", filter))
	assert.False(t, results[0].OK())
}
