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

package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailpush/internal/models"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s, dir
}

func TestFileStore_WatermarkRoundTrip(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	wm, err := s.LoadWatermark(ctx, "a@example.com")
	if err != nil || wm != nil {
		t.Fatalf("expected no watermark, got %+v, %v", wm, err)
	}

	if err := s.SaveWatermark(ctx, models.AccountWatermark{AccountID: "A@example.com", LastHistoryID: "100"}); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}

	wm, err = s.LoadWatermark(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if wm == nil || wm.LastHistoryID != "100" || wm.AccountID != "a@example.com" {
		t.Fatalf("watermark = %+v", wm)
	}
	if wm.LastUpdated.IsZero() {
		t.Error("LastUpdated should be set")
	}
}

// TestFileStore_WatermarkNeverRegresses verifies an older position is ignored.
func TestFileStore_WatermarkNeverRegresses(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"100", "250", "99", "1000", "999"} {
		if err := s.SaveWatermark(ctx, models.AccountWatermark{AccountID: "a@example.com", LastHistoryID: id}); err != nil {
			t.Fatalf("SaveWatermark(%s): %v", id, err)
		}
	}

	wm, _ := s.LoadWatermark(ctx, "a@example.com")
	if wm.LastHistoryID != "1000" {
		t.Errorf("LastHistoryID = %q, want 1000", wm.LastHistoryID)
	}
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.SaveWatermark(ctx, models.AccountWatermark{
				AccountID:     "a@example.com",
				LastHistoryID: time.Unix(int64(n), 0).UTC().Format("20060102150405"),
			})
		}(i)
	}
	wg.Wait()

	wm, err := s.LoadWatermark(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if want := time.Unix(50, 0).UTC().Format("20060102150405"); wm.LastHistoryID != want {
		t.Errorf("LastHistoryID = %q, want %q", wm.LastHistoryID, want)
	}
}

func TestFileStore_RegistrationRoundTrip(t *testing.T) {
	s, _ := newFileStore(t)
	ctx := context.Background()

	exp := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)
	reg := models.WatchRegistration{
		AccountID:           "a@example.com",
		Topic:               "projects/p/topics/t",
		Expiration:          exp,
		LabelIDs:            []string{"INBOX"},
		LabelFilterBehavior: "INCLUDE",
		HistoryID:           "500",
		LastRenewed:         time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("SaveRegistration: %v", err)
	}

	got, err := s.LoadRegistration(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("LoadRegistration: %v", err)
	}
	if got == nil || !got.Expiration.Equal(exp) || got.Topic != reg.Topic || got.HistoryID != "500" {
		t.Fatalf("registration = %+v", got)
	}
}

// TestFileStore_LegacyStateFile verifies the combined state file is read
// when the split records are absent.
func TestFileStore_LegacyStateFile(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	legacy := `{
		"emailAddress": "a@example.com",
		"watchResponse": {"historyId": "4242", "expiration": "1893456000000"},
		"lastRenewed": 1700000000.5
	}`
	if err := os.WriteFile(filepath.Join(dir, "a@example.com.state.json"), []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	wm, err := s.LoadWatermark(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if wm == nil || wm.LastHistoryID != "4242" {
		t.Fatalf("watermark = %+v", wm)
	}

	reg, err := s.LoadRegistration(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("LoadRegistration: %v", err)
	}
	if reg == nil || reg.Expiration.UnixMilli() != 1893456000000 {
		t.Fatalf("registration = %+v", reg)
	}
	if reg.LastRenewed.Unix() != 1700000000 {
		t.Errorf("LastRenewed = %v", reg.LastRenewed)
	}

	// A new write goes to the split file and wins over the legacy record.
	if err := s.SaveWatermark(ctx, models.AccountWatermark{AccountID: "a@example.com", LastHistoryID: "5000"}); err != nil {
		t.Fatalf("SaveWatermark: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a@example.com.watermark.json")); err != nil {
		t.Errorf("expected split watermark file: %v", err)
	}
	wm, _ = s.LoadWatermark(ctx, "a@example.com")
	if wm.LastHistoryID != "5000" {
		t.Errorf("LastHistoryID = %q, want 5000", wm.LastHistoryID)
	}
}

func TestFileStore_LegacyNumericFields(t *testing.T) {
	s, dir := newFileStore(t)
	legacy := `{"accountAddress":"b@example.com","lastHistoryId":777,"watchResponse":{"historyId":700,"expiration":1893456000000}}`
	if err := os.WriteFile(filepath.Join(dir, "b@example.com.state.json"), []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	wm, err := s.LoadWatermark(context.Background(), "b@example.com")
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if wm == nil || wm.LastHistoryID != "777" {
		t.Fatalf("watermark = %+v, want lastHistoryId preferred", wm)
	}
}

func TestFileStore_LegacyMixedCaseFile(t *testing.T) {
	s, dir := newFileStore(t)
	ctx := context.Background()

	legacy := `{"emailAddress":"Carol@Example.com","lastHistoryId":"900","watchResponse":{"historyId":"900","expiration":"1893456000000"}}`
	if err := os.WriteFile(filepath.Join(dir, "Carol@Example.com.state.json"), []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	wm, err := s.LoadWatermark(ctx, "carol@example.com")
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if wm == nil || wm.LastHistoryID != "900" {
		t.Fatalf("watermark = %+v, want 900", wm)
	}

	reg, err := s.LoadRegistration(ctx, "Carol@Example.com")
	if err != nil {
		t.Fatalf("LoadRegistration: %v", err)
	}
	if reg == nil || reg.AccountID != "carol@example.com" {
		t.Fatalf("registration = %+v", reg)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	s, dir := newFileStore(t)
	if err := os.WriteFile(filepath.Join(dir, "a@example.com.watermark.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadWatermark(context.Background(), "a@example.com"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "file", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("Open(file) = %T", s)
	}

	if _, err := Open(ctx, "postgres", "", nil); err == nil {
		t.Error("expected error for postgres without a pool")
	}
	if _, err := Open(ctx, "etcd", "", nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}
