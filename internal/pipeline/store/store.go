// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"time"

	"github.com/medvault/medvault/internal/pipeline/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrIdempotentReplay = errors.New("idempotent replay")
)

// Lease is a single-writer lock keyed per session. The orchestrator and the
// cleanup sweep contend on it so only one deletion attempt proceeds at a time.
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
}

// StateStore is the system-of-record for upload sessions.
//
// Design intent:
//   - Ingress creates sessions; workers perform all side-effects.
//   - Update applies a closure atomically per session ID (single writer).
//   - Leases serialize deletion between pipeline and sweep.
type StateStore interface {
	// Put writes a session record unconditionally.
	Put(ctx context.Context, s *model.Session) error
	// PutWithUploadKey writes a session and an idempotency key atomically.
	// If the key already exists it returns the prior sessionID and exists=true
	// without writing anything.
	PutWithUploadKey(ctx context.Context, s *model.Session, uploadKey string, ttl time.Duration) (existingID string, exists bool, err error)
	// Get returns the session record, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*model.Session, error)
	// Update applies fn to the current record and persists the result.
	// Mutation through Update is atomic per session ID.
	Update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error)
	List(ctx context.Context) ([]*model.Session, error)
	// Scan iterates all sessions calling fn; preferred for sweeps.
	Scan(ctx context.Context, fn func(*model.Session) error) error
	Delete(ctx context.Context, id string) error

	// Leases (single-writer deletion guard)
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Close() error
}

// DeletionLeaseKey is the per-session lease key contended on by the
// orchestrator's enforcer call and the scheduler's sweep.
func DeletionLeaseKey(sessionID string) string {
	return "del:" + sessionID
}
