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

package emaildb

import (
	"context"
	"sync"

	"github.com/bcem/mailpush/internal/models"
)

// MemoryStore keeps records in process memory. It is meant for development
// runs without a database; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	processed map[string]bool
	emails    map[string]*models.EmailRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]bool),
		emails:    make(map[string]*models.EmailRecord),
	}
}

func (m *MemoryStore) HasProcessed(_ context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processed[messageID], nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[messageID] = true
	return nil
}

// SaveEmail stores rec unless a record with the same id exists.
func (m *MemoryStore) SaveEmail(_ context.Context, rec *models.EmailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[rec.ID]; ok {
		return nil
	}
	cp := *rec
	m.emails[rec.ID] = &cp
	return nil
}

// Email returns a stored record.
func (m *MemoryStore) Email(messageID string) (*models.EmailRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.emails[messageID]
	return rec, ok
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.emails)
}
