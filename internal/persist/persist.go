// SPDX-License-Identifier: MIT

// Package persist hands encrypted records off to durable storage. Only
// ciphertext and non-sensitive metadata cross this boundary.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// Meta is the non-sensitive record metadata stored beside the ciphertext.
type Meta struct {
	SessionID    string
	AnalysisType model.AnalysisType
	CreatedAt    time.Time
}

// RecordStore accepts sealed records. Implementations must be safe for
// concurrent use by the worker pool.
type RecordStore interface {
	Persist(ctx context.Context, ownerID string, ciphertext []byte, meta Meta) (recordID string, err error)
	Close() error
}

// Error classifies persistence failures.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", model.FailPersist, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements model.FailureCoder.
func (e *Error) FailureCode() model.FailureCode { return model.FailPersist }
