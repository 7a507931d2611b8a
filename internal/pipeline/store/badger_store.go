// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/medvault/medvault/internal/pipeline/model"
)

// BadgerStore is the durable single-node StateStore.
// Key layout:
//   - sessions: "sess:<id>" (JSON)
//   - upload idempotency: "upl:<key>" (value=sessionID) with TTL
//   - leases: "lease:<key>" (JSON) with TTL
type BadgerStore struct {
	db *badger.DB
}

var errLeaseHeld = errors.New("lease held")

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func sessKey(id string) []byte { return []byte("sess:" + id) }

func (s *BadgerStore) Put(ctx context.Context, rec *model.Session) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessKey(rec.ID), buf)
	})
}

func (s *BadgerStore) PutWithUploadKey(ctx context.Context, rec *model.Session, uploadKey string, ttl time.Duration) (string, bool, error) {
	buf, err := json.Marshal(rec)
	if err != nil {
		return "", false, err
	}
	var existing string
	err = s.db.Update(func(txn *badger.Txn) error {
		if uploadKey != "" {
			uKey := []byte("upl:" + uploadKey)
			item, err := txn.Get(uKey)
			if err == nil {
				return item.Value(func(val []byte) error {
					existing = string(val)
					return ErrIdempotentReplay
				})
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			entry := badger.NewEntry(uKey, []byte(rec.ID)).WithTTL(ttl)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return txn.Set(sessKey(rec.ID), buf)
	})
	if errors.Is(err, ErrIdempotentReplay) {
		return existing, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return "", false, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var out model.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) Update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	var out model.Session
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(sessKey(id), buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*model.Session, error) {
	var list []*model.Session
	err := s.Scan(ctx, func(r *model.Session) error {
		list = append(list, r)
		return nil
	})
	return list, err
}

func (s *BadgerStore) Scan(ctx context.Context, fn func(*model.Session) error) error {
	prefix := []byte("sess:")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec model.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessKey(id))
	})
}

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	LeaseKey  string    `json:"leaseKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *BadgerStore) TryAcquireLease(ctx context.Context, leaseKey, owner string, ttl time.Duration) (Lease, bool, error) {
	key := []byte("lease:" + leaseKey)
	exp := time.Now().Add(ttl)
	env := leaseEnvelope{Owner: owner, LeaseKey: leaseKey, ExpiresAt: exp}
	buf, _ := json.Marshal(env)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var current leaseEnvelope
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); verr == nil && current.Owner == owner {
				// Re-entry renews.
				entry := badger.NewEntry(key, buf).WithTTL(ttl)
				return txn.SetEntry(entry)
			}
			return errLeaseHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, errLeaseHeld) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &badgerLease{leaseKey: leaseKey, owner: owner, expiresAt: exp}, true, nil
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, leaseKey, owner string) error {
	key := []byte("lease:" + leaseKey)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var current leaseEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}
		if current.Owner == owner {
			return txn.Delete(key)
		}
		return nil
	})
}

type badgerLease struct {
	leaseKey  string
	owner     string
	expiresAt time.Time
}

func (l *badgerLease) Key() string          { return l.leaseKey }
func (l *badgerLease) Owner() string        { return l.owner }
func (l *badgerLease) ExpiresAt() time.Time { return l.expiresAt }

var _ StateStore = (*BadgerStore)(nil)
var _ Lease = (*badgerLease)(nil)
