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

// Package diagnostics runs optional startup connectivity checks. Results are
// logged only; a failing check never prevents startup.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 10 * time.Second

// Check is one named connectivity check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one check.
type Result struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// OK reports whether the check passed.
func (r Result) OK() bool { return r.Err == nil }

// Pinger is implemented by the Postgres and Redis collaborators.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscriptionExister is implemented by listener.PubSubReceiver.
type SubscriptionExister interface {
	Exists(ctx context.Context) (bool, error)
}

// Run executes every check in order, each bounded by timeout, and logs the
// outcome.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) []Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.Run(checkCtx)
		cancel()

		res := Result{Name: c.Name, Err: err, Elapsed: time.Since(start)}
		results = append(results, res)

		if err != nil {
			slog.Warn("startup diagnostic failed",
				"check", c.Name,
				"elapsed", res.Elapsed,
				"error", err,
			)
			continue
		}
		slog.Info("startup diagnostic passed",
			"check", c.Name,
			"elapsed", res.Elapsed,
		)
	}
	return results
}

// SubscriptionCheck verifies the broker subscription exists.
func SubscriptionCheck(sub SubscriptionExister) Check {
	return Check{
		Name: "pubsub_subscription",
		Run: func(ctx context.Context) error {
			ok, err := sub.Exists(ctx)
			if err != nil {
				return fmt.Errorf("check subscription: %w", err)
			}
			if !ok {
				return errors.New("subscription does not exist")
			}
			return nil
		},
	}
}

// PingCheck verifies a network collaborator answers.
func PingCheck(name string, p Pinger) Check {
	return Check{
		Name: name,
		Run:  p.Ping,
	}
}

// DirCheck verifies dir exists and can be listed.
func DirCheck(name, dir string) Check {
	return Check{
		Name: name,
		Run: func(context.Context) error {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("read %s: %w", dir, err)
			}
			if len(entries) == 0 {
				return fmt.Errorf("%s is empty", dir)
			}
			return nil
		},
	}
}
