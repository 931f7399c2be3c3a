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

package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/bcem/mailpush/internal/gmail"
	"github.com/bcem/mailpush/internal/models"
	"github.com/bcem/mailpush/internal/registry"
	"github.com/bcem/mailpush/internal/state"
)

// fakeWatchClient records watch calls.
type fakeWatchClient struct {
	account   string
	historyID string
	watchErr  error
	// block, when set, holds Watch until it is closed or ctx is done.
	block chan struct{}

	mu       sync.Mutex
	requests []gmail.WatchRequest
	watches  atomic.Int32
	stops    atomic.Int32
}

func (c *fakeWatchClient) Account() string { return c.account }
func (c *fakeWatchClient) FetchMessage(context.Context, string) (*gmailv1.Message, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeWatchClient) FetchAttachment(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeWatchClient) ListHistory(context.Context, string, string) (*gmail.HistoryPage, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeWatchClient) ListMessages(context.Context, string, string) (*gmail.MessagePage, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeWatchClient) Watch(ctx context.Context, req gmail.WatchRequest) (*gmail.WatchResult, error) {
	c.watches.Add(1)
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.watchErr != nil {
		return nil, c.watchErr
	}
	return &gmail.WatchResult{HistoryID: c.historyID, Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (c *fakeWatchClient) StopWatch(context.Context) error {
	c.stops.Add(1)
	return nil
}

func newTestManager(t *testing.T, clients ...*fakeWatchClient) (*Manager, *state.FileStore) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := make(map[string]registry.MailClient)
	for _, c := range clients {
		m[c.account] = c
	}
	mgr := NewManager(ManagerConfig{
		Registry:      registry.New(m),
		Registrations: store,
		Watermarks:    store,
		Topic:         "projects/p1/topics/gmail-push",
		LabelIDs:      []string{"INBOX"},
	})
	return mgr, store
}

func TestIsExpired(t *testing.T) {
	mgr, _ := newTestManager(t)
	now := time.Now()

	tests := []struct {
		name string
		reg  *models.WatchRegistration
		want bool
	}{
		{"missing", nil, true},
		{"no expiration", &models.WatchRegistration{}, true},
		{"expires in 2h", &models.WatchRegistration{Expiration: now.Add(2 * time.Hour)}, true},
		{"already expired", &models.WatchRegistration{Expiration: now.Add(-time.Hour)}, true},
		{"expires in 30h", &models.WatchRegistration{Expiration: now.Add(30 * time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mgr.IsExpired(tt.reg); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegister_PersistsAndSeedsWatermark(t *testing.T) {
	client := &fakeWatchClient{account: "a@example.com", historyID: "555"}
	mgr, store := newTestManager(t, client)
	ctx := context.Background()

	if err := mgr.Register(ctx, "a@example.com"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg, err := store.LoadRegistration(ctx, "a@example.com")
	if err != nil || reg == nil {
		t.Fatalf("LoadRegistration = %v, %v", reg, err)
	}
	if reg.HistoryID != "555" || reg.Topic != "projects/p1/topics/gmail-push" || reg.LastRenewed.IsZero() {
		t.Errorf("registration = %+v", reg)
	}
	if len(client.requests) != 1 || client.requests[0].LabelFilterBehavior != "INCLUDE" || client.requests[0].LabelIDs[0] != "INBOX" {
		t.Errorf("watch requests = %+v", client.requests)
	}

	wm, err := store.LoadWatermark(ctx, "a@example.com")
	if err != nil || wm == nil || wm.LastHistoryID != "555" {
		t.Fatalf("seeded watermark = %+v, %v", wm, err)
	}

	// An existing watermark is never overwritten by a later registration.
	client.historyID = "999"
	if err := mgr.Register(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	wm, _ = store.LoadWatermark(ctx, "a@example.com")
	if wm.LastHistoryID != "555" {
		t.Errorf("watermark = %s, want 555", wm.LastHistoryID)
	}
}

func TestRegister_UnknownAccount(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.Register(context.Background(), "nobody@example.com"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestRenewAll_OnlyDueAccounts(t *testing.T) {
	fresh := &fakeWatchClient{account: "fresh@example.com", historyID: "1"}
	soon := &fakeWatchClient{account: "soon@example.com", historyID: "2"}
	missing := &fakeWatchClient{account: "missing@example.com", historyID: "3"}
	mgr, store := newTestManager(t, fresh, soon, missing)
	ctx := context.Background()

	now := time.Now()
	for acct, exp := range map[string]time.Time{
		"fresh@example.com": now.Add(30 * time.Hour),
		"soon@example.com":  now.Add(2 * time.Hour),
	} {
		if err := store.SaveRegistration(ctx, models.WatchRegistration{AccountID: acct, Expiration: exp}); err != nil {
			t.Fatal(err)
		}
	}

	results := mgr.RenewAll(ctx)

	for _, acct := range []string{"fresh@example.com", "soon@example.com", "missing@example.com"} {
		if !results[acct] {
			t.Errorf("results[%s] = false", acct)
		}
	}
	if fresh.watches.Load() != 0 {
		t.Errorf("fresh registration renewed %d times", fresh.watches.Load())
	}
	if soon.watches.Load() != 1 || missing.watches.Load() != 1 {
		t.Errorf("due watches: soon=%d missing=%d, want 1 each", soon.watches.Load(), missing.watches.Load())
	}
}

func TestSetupAll_IsolatesFailures(t *testing.T) {
	good := &fakeWatchClient{account: "good@example.com", historyID: "1"}
	bad := &fakeWatchClient{account: "bad@example.com", watchErr: errors.New("403 forbidden")}
	mgr, store := newTestManager(t, good, bad)

	results := mgr.SetupAll(context.Background())

	if !results["good@example.com"] || results["bad@example.com"] {
		t.Errorf("results = %v", results)
	}
	reg, _ := store.LoadRegistration(context.Background(), "bad@example.com")
	if reg != nil {
		t.Errorf("failed registration persisted: %+v", reg)
	}
}

func TestStopWatch_MarksRegistrationDue(t *testing.T) {
	client := &fakeWatchClient{account: "a@example.com", historyID: "10"}
	mgr, _ := newTestManager(t, client)
	ctx := context.Background()

	if err := mgr.Register(ctx, "a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.StopWatch(ctx, "a@example.com"); err != nil {
		t.Fatalf("StopWatch: %v", err)
	}
	if client.stops.Load() != 1 {
		t.Errorf("stops = %d", client.stops.Load())
	}

	statuses := mgr.Statuses(ctx)
	if len(statuses) != 1 || !statuses[0].Due || statuses[0].Registration == nil {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestAutoRenewal_ScansImmediatelyAndStops(t *testing.T) {
	client := &fakeWatchClient{account: "a@example.com", historyID: "1"}
	mgr, _ := newTestManager(t, client)

	mgr.StartAutoRenewal(context.Background(), time.Hour)
	mgr.StartAutoRenewal(context.Background(), time.Hour) // ignored

	deadline := time.Now().Add(2 * time.Second)
	for client.watches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if client.watches.Load() != 1 {
		t.Fatalf("watches = %d, want exactly one immediate scan", client.watches.Load())
	}

	start := time.Now()
	mgr.StopAutoRenewal()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopAutoRenewal took %v", elapsed)
	}
	mgr.StopAutoRenewal()
}

func TestAutoRenewal_StopInterruptsScan(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	first := &fakeWatchClient{account: "a@example.com", historyID: "1", block: block}
	second := &fakeWatchClient{account: "b@example.com", historyID: "1", block: block}
	mgr, store := newTestManager(t, first, second)

	mgr.StartAutoRenewal(context.Background(), time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for first.watches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if first.watches.Load() != 1 {
		t.Fatalf("first account watches = %d, want 1", first.watches.Load())
	}

	start := time.Now()
	mgr.StopAutoRenewal()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopAutoRenewal took %v", elapsed)
	}
	if n := second.watches.Load(); n != 0 {
		t.Errorf("second account watches = %d, want 0 after stop", n)
	}
	if reg, _ := store.LoadRegistration(context.Background(), "a@example.com"); reg != nil {
		t.Errorf("interrupted registration was saved: %+v", reg)
	}
}

func TestRenewAll_CancelledContextSkipsAccounts(t *testing.T) {
	client := &fakeWatchClient{account: "a@example.com", historyID: "1"}
	mgr, _ := newTestManager(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if results := mgr.RenewAll(ctx); len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
	if results := mgr.SetupAll(ctx); len(results) != 0 {
		t.Errorf("SetupAll results = %v, want none", results)
	}
	if client.watches.Load() != 0 {
		t.Errorf("watches = %d, want 0", client.watches.Load())
	}
}
