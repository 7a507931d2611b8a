// SPDX-License-Identifier: MIT

// Package extract turns a stored document artifact into raw text. Engines
// report failures as typed codes so the orchestrator can tell a broken
// document from a broken engine.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/medvault/medvault/internal/pipeline/model"
)

// Engine extracts text from the artifact at path. Implementations must
// honor ctx cancellation and return an *Error for classified failures.
type Engine interface {
	Name() string
	Run(ctx context.Context, artifactPath string) (string, error)
}

// Error carries the failure classification for a stage error.
type Error struct {
	Code model.FailureCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureCode implements model.FailureCoder.
func (e *Error) FailureCode() model.FailureCode { return e.Code }

func failf(code model.FailureCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the failure classification of err, or FailInternal for
// unclassified errors.
func CodeOf(err error) model.FailureCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return model.FailInternal
}
