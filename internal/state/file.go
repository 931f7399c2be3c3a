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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bcem/mailpush/internal/models"
)

// FileStore keeps state as JSON files in a directory:
//
//	<account>.watermark.json   AccountWatermark
//	<account>.watch.json       WatchRegistration
//	<account>.state.json       legacy combined record (read only)
//
// Writes go through a temp file and rename so readers never see a partial file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed store, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(account, suffix string) string {
	return filepath.Join(s.dir, strings.ToLower(account)+suffix)
}

// LoadWatermark reads the account's watermark, falling back to the legacy
// combined state file.
func (s *FileStore) LoadWatermark(_ context.Context, account string) (*models.AccountWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadWatermark(account)
}

func (s *FileStore) loadWatermark(account string) (*models.AccountWatermark, error) {
	var wm models.AccountWatermark
	found, err := readJSON(s.path(account, ".watermark.json"), &wm)
	if err != nil {
		return nil, err
	}
	if found {
		if wm.AccountID == "" {
			wm.AccountID = strings.ToLower(account)
		}
		return &wm, nil
	}

	legacy, err := s.loadLegacy(account)
	if err != nil || legacy == nil {
		return nil, err
	}
	historyID := legacy.LastHistoryID.String()
	if historyID == "" {
		historyID = legacy.WatchResponse.HistoryID.String()
	}
	if historyID == "" {
		return nil, nil
	}
	return &models.AccountWatermark{
		AccountID:     strings.ToLower(account),
		LastHistoryID: historyID,
		LastUpdated:   legacy.lastRenewed(),
	}, nil
}

// SaveWatermark writes the watermark unless it would move backwards.
func (s *FileStore) SaveWatermark(_ context.Context, wm models.AccountWatermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadWatermark(wm.AccountID)
	if err != nil {
		return fmt.Errorf("load current watermark: %w", err)
	}
	if current != nil {
		if c, _ := models.ComparePositions(wm.LastHistoryID, current.LastHistoryID); c < 0 {
			slog.Warn("refusing to move watermark backwards",
				"account", wm.AccountID,
				"current", current.LastHistoryID,
				"proposed", wm.LastHistoryID,
			)
			return nil
		}
	}

	wm.AccountID = strings.ToLower(wm.AccountID)
	if wm.LastUpdated.IsZero() {
		wm.LastUpdated = time.Now().UTC()
	}
	if err := writeJSON(s.dir, s.path(wm.AccountID, ".watermark.json"), wm); err != nil {
		return fmt.Errorf("write watermark for %s: %w", wm.AccountID, err)
	}
	return nil
}

// LoadRegistration reads the account's watch registration, falling back to
// the legacy combined state file.
func (s *FileStore) LoadRegistration(_ context.Context, account string) (*models.WatchRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reg models.WatchRegistration
	found, err := readJSON(s.path(account, ".watch.json"), &reg)
	if err != nil {
		return nil, err
	}
	if found {
		return &reg, nil
	}

	legacy, err := s.loadLegacy(account)
	if err != nil || legacy == nil {
		return nil, err
	}
	expiration := legacy.WatchResponse.Expiration.Int64()
	if expiration == 0 {
		return nil, nil
	}
	return &models.WatchRegistration{
		AccountID:   strings.ToLower(account),
		Expiration:  time.UnixMilli(expiration).UTC(),
		HistoryID:   legacy.WatchResponse.HistoryID.String(),
		LastRenewed: legacy.lastRenewed(),
	}, nil
}

// SaveRegistration overwrites the account's watch registration.
func (s *FileStore) SaveRegistration(_ context.Context, reg models.WatchRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg.AccountID = strings.ToLower(reg.AccountID)
	if err := writeJSON(s.dir, s.path(reg.AccountID, ".watch.json"), reg); err != nil {
		return fmt.Errorf("write registration for %s: %w", reg.AccountID, err)
	}
	return nil
}

// legacyState is the combined per-account file written by earlier releases.
type legacyState struct {
	EmailAddress   string     `json:"emailAddress"`
	AccountAddress string     `json:"accountAddress"`
	LastHistoryID  flexNumber `json:"lastHistoryId"`
	WatchResponse  struct {
		HistoryID  flexNumber `json:"historyId"`
		Expiration flexNumber `json:"expiration"`
	} `json:"watchResponse"`
	LastRenewed flexNumber `json:"lastRenewed"`
}

func (l *legacyState) lastRenewed() time.Time {
	secs, err := l.LastRenewed.Float64()
	if err != nil || secs == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func (s *FileStore) loadLegacy(account string) (*legacyState, error) {
	path, err := s.legacyPath(account)
	if err != nil || path == "" {
		return nil, err
	}
	var legacy legacyState
	found, err := readJSON(path, &legacy)
	if err != nil || !found {
		return nil, err
	}
	return &legacy, nil
}

// legacyPath finds the account's legacy state file. Earlier releases named it
// after the address as typed, so the match is case-insensitive.
func (s *FileStore) legacyPath(account string) (string, error) {
	want := strings.ToLower(account) + ".state.json"
	if _, err := os.Stat(filepath.Join(s.dir, want)); err == nil {
		return filepath.Join(s.dir, want), nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read state dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), want) {
			return filepath.Join(s.dir, e.Name()), nil
		}
	}
	return "", nil
}

// flexNumber accepts a JSON number or a numeric string.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexNumber(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexNumber(n.String())
	return nil
}

func (f flexNumber) String() string { return string(f) }

func (f flexNumber) Int64() int64 {
	v, err := json.Number(f).Int64()
	if err != nil {
		fv, ferr := json.Number(f).Float64()
		if ferr != nil {
			return 0
		}
		return int64(fv)
	}
	return v
}

func (f flexNumber) Float64() (float64, error) {
	if f == "" {
		return 0, nil
	}
	return json.Number(f).Float64()
}

// readJSON decodes path into v. found is false if the file does not exist.
func readJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// writeJSON atomically replaces path with the JSON encoding of v.
func writeJSON(dir, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
