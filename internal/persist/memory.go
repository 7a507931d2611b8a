// SPDX-License-Identifier: MIT

package persist

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the in-process RecordStore used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]storedRecord

	// FailNext makes the next Persist call fail. Lets tests exercise the
	// PERSIST_FAILED path.
	FailNext error
}

type storedRecord struct {
	ownerID    string
	ciphertext []byte
	meta       Meta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]storedRecord{}}
}

func (m *MemoryStore) Persist(ctx context.Context, ownerID string, ciphertext []byte, meta Meta) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return "", &Error{Err: err}
	}
	id := uuid.NewString()
	box := make([]byte, len(ciphertext))
	copy(box, ciphertext)
	m.records[id] = storedRecord{ownerID: ownerID, ciphertext: box, meta: meta}
	return id, nil
}

// Ciphertext mirrors SQLiteStore.Ciphertext for round-trip tests.
func (m *MemoryStore) Ciphertext(ctx context.Context, recordID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok {
		return nil, &Error{Err: errors.New("record not found: " + recordID)}
	}
	return r.ciphertext, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }

var _ RecordStore = (*MemoryStore)(nil)
