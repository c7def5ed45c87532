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

package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/bcem/receipts/internal/models"
)

// MemoryStore is an in-process Store. The mutex makes Admit atomic within a
// single process; it is meant for tests and single-node development.
type MemoryStore struct {
	mu    sync.Mutex
	byKey map[models.MessageKey]*models.IdempotencyRecord
	byID  map[string]*models.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[models.MessageKey]*models.IdempotencyRecord),
		byID:  make(map[string]*models.IdempotencyRecord),
	}
}

func (m *MemoryStore) Admit(_ context.Context, rec models.IdempotencyRecord) (AdmitResult, error) {
	key := models.MessageKey{
		OrganizationID: rec.OrganizationID,
		Alias:          rec.Alias,
		MessageID:      rec.MessageID,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[key]; ok {
		return AdmitResult{Record: *existing}, nil
	}

	stored := rec
	m.byKey[key] = &stored
	m.byID[rec.ID] = &stored
	return AdmitResult{Record: stored, Inserted: true}, nil
}

func (m *MemoryStore) LinkEmail(_ context.Context, recordID, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.EmailID != "" && rec.EmailID != emailID {
		return ErrLinkConflict
	}
	rec.EmailID = emailID
	return nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.byKey {
		if rec.ProcessedAt.Before(cutoff) {
			delete(m.byKey, key)
			delete(m.byID, rec.ID)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record with the given id.
func (m *MemoryStore) Get(recordID string) (models.IdempotencyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[recordID]
	if !ok {
		return models.IdempotencyRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
