// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
	"time"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// MemoryStore is an in-memory StateStore intended for tests and single-node
// development. Not durable.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*model.Session
	leases   map[string]leaseState
	uploads  map[string]uploadKeyState
}

type leaseState struct {
	owner string
	exp   time.Time
}

type uploadKeyState struct {
	sessionID string
	exp       time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		leases:   make(map[string]leaseState),
		uploads:  make(map[string]uploadKeyState),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Put(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	cpy := *s
	m.sessions[s.ID] = &cpy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutWithUploadKey(ctx context.Context, s *model.Session, uploadKey string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uploadKey != "" {
		st, ok := m.uploads[uploadKey]
		if ok && time.Now().After(st.exp) {
			delete(m.uploads, uploadKey)
			ok = false
		}
		if ok {
			return st.sessionID, true, nil
		}
		m.uploads[uploadKey] = uploadKeyState{sessionID: s.ID, exp: time.Now().Add(ttl)}
	}
	cpy := *s
	m.sessions[s.ID] = &cpy
	return "", false, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	cpy := *rec
	m.mu.RUnlock()
	return &cpy, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *rec
	if err := fn(&cpy); err != nil {
		return nil, err
	}
	m.sessions[id] = &cpy
	out := cpy
	return &out, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*model.Session, error) {
	var list []*model.Session
	err := m.Scan(ctx, func(s *model.Session) error {
		list = append(list, s)
		return nil
	})
	return list, err
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(*model.Session) error) error {
	// Snapshot under lock, iterate without it so slow callbacks never block
	// concurrent writers.
	m.mu.RLock()
	snapshot := make([]*model.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		cpy := *rec
		snapshot = append(snapshot, &cpy)
	}
	m.mu.RUnlock()

	for _, rec := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	deadline := now.Add(ttl)
	m.mu.Lock()
	ls, ok := m.leases[key]
	if ok && now.After(ls.exp) {
		delete(m.leases, key)
		ok = false
	}
	if ok {
		if ls.owner == owner {
			// Re-entry renews.
			ls.exp = deadline
			m.leases[key] = ls
			m.mu.Unlock()
			return &memoryLease{key: key, owner: owner, exp: deadline}, true, nil
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	m.leases[key] = leaseState{owner: owner, exp: deadline}
	m.mu.Unlock()
	return &memoryLease{key: key, owner: owner, exp: deadline}, true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	st, ok := m.leases[key]
	if ok && st.owner == owner {
		delete(m.leases, key)
	}
	m.mu.Unlock()
	return nil
}

type memoryLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *memoryLease) Key() string          { return l.key }
func (l *memoryLease) Owner() string        { return l.owner }
func (l *memoryLease) ExpiresAt() time.Time { return l.exp }

var _ StateStore = (*MemoryStore)(nil)
