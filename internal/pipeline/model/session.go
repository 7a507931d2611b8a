// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"regexp"
	"time"
)

// SessionState is the lifecycle of one uploaded document.
// States only ever advance; the single terminal mutation allowed is
// FAILED -> DELETED once the source artifact is confirmed gone.
type SessionState string

const (
	SessionCreated    SessionState = "CREATED"
	SessionStored     SessionState = "STORED"
	SessionExtracting SessionState = "EXTRACTING"
	SessionParsing    SessionState = "PARSING"
	SessionEncrypting SessionState = "ENCRYPTING"
	SessionPersisted  SessionState = "PERSISTED"
	SessionFailed     SessionState = "FAILED"
	SessionDeleted    SessionState = "DELETED"
)

// IsTerminal returns true if the state is a final state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionPersisted, SessionFailed, SessionDeleted:
		return true
	}
	return false
}

// HoldsArtifact reports whether a session in this state may still reference
// a plaintext artifact on disk. Every other state implies the artifact has
// been removed.
func (s SessionState) HoldsArtifact() bool {
	switch s {
	case SessionStored, SessionExtracting, SessionParsing, SessionEncrypting:
		return true
	}
	return false
}

// rank orders states along the pipeline so transitions can be checked as
// strictly advancing. FAILED and DELETED sort after every working state.
func (s SessionState) rank() int {
	switch s {
	case SessionCreated:
		return 0
	case SessionStored:
		return 1
	case SessionExtracting:
		return 2
	case SessionParsing:
		return 3
	case SessionEncrypting:
		return 4
	case SessionPersisted:
		return 5
	case SessionFailed:
		return 6
	case SessionDeleted:
		return 7
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a legal transition.
func (s SessionState) CanAdvanceTo(next SessionState) bool {
	if s == next {
		return false
	}
	switch next {
	case SessionFailed:
		return !s.IsTerminal()
	case SessionDeleted:
		return s == SessionFailed || s.HoldsArtifact()
	default:
		return next.rank() == s.rank()+1
	}
}

// FailureCode is a compact, typed failure signal. Keep these stable:
// metrics, audit records and client-visible status depend on them.
type FailureCode string

const (
	FailNone FailureCode = ""

	// Extraction failures
	FailUnreadableFormat FailureCode = "UNREADABLE_FORMAT"
	FailEngineTimeout    FailureCode = "ENGINE_TIMEOUT"
	FailEngineCrash      FailureCode = "ENGINE_CRASH"
	FailEmptyOutput      FailureCode = "EMPTY_OUTPUT"

	// Parsing failures
	FailNoRecognizedFields FailureCode = "NO_RECOGNIZED_FIELDS"
	FailAmbiguousFormat    FailureCode = "AMBIGUOUS_FORMAT"

	// Encryption / persistence failures
	FailKeyUnavailable FailureCode = "KEY_UNAVAILABLE"
	FailEncrypt        FailureCode = "ENCRYPT_FAILED"
	FailPersist        FailureCode = "PERSIST_FAILED"

	// Orchestration failures
	FailRetriesExhausted FailureCode = "RETRIES_EXHAUSTED"
	FailDeadlineExceeded FailureCode = "DEADLINE_EXCEEDED"
	FailInternal         FailureCode = "INTERNAL"
)

// Transient reports whether the failure may succeed on retry.
// Everything else is fatal for the session.
func (c FailureCode) Transient() bool {
	switch c {
	case FailEngineTimeout, FailEngineCrash:
		return true
	}
	return false
}

// FailureCoder is implemented by stage errors that carry a classification.
type FailureCoder interface {
	FailureCode() FailureCode
}

// FailureOf extracts the failure classification from a stage error chain,
// defaulting to FailInternal.
func FailureOf(err error) FailureCode {
	var c FailureCoder
	if errors.As(err, &c) {
		return c.FailureCode()
	}
	return FailInternal
}

// AnalysisType classifies the lab panel recognized in a document.
// Non-sensitive: safe to persist and expose alongside the ciphertext.
type AnalysisType string

const (
	AnalysisBloodGeneral AnalysisType = "blood_general"
	AnalysisBloodBiochem AnalysisType = "blood_biochem"
	AnalysisHormones     AnalysisType = "hormones"
	AnalysisOther        AnalysisType = "other"
)

// DeleteCause distinguishes orchestrator-driven deletion from the
// scheduler's safety-net sweep.
type DeleteCause string

const (
	DeleteByPipeline DeleteCause = "pipeline"
	DeleteBySweep    DeleteCause = "sweep"
	DeleteByShutdown DeleteCause = "shutdown"
)

// Session is the state-store source of truth for one uploaded document.
// All mutation goes through the store's per-session Update closure.
type Session struct {
	ID               string       `json:"id"`
	Owner            string       `json:"owner"`
	State            SessionState `json:"state"`
	AnalysisType     AnalysisType `json:"analysisType,omitempty"`
	OriginalFilename string       `json:"originalFilename"`

	// ArtifactPath references the ephemeral plaintext file. Cleared the
	// moment the file is confirmed deleted.
	ArtifactPath string `json:"artifactPath,omitempty"`
	// ScratchDir holds intermediate decode buffers (page renders etc.).
	ScratchDir string `json:"scratchDir,omitempty"`

	Failure       FailureCode `json:"failure,omitempty"`
	FailureDetail string      `json:"failureDetail,omitempty"`

	// RecordID references the persisted encrypted record (PERSISTED only).
	RecordID string `json:"recordId,omitempty"`

	CreatedAtUnix       int64 `json:"createdAtUnix"`
	DeadlineUnix        int64 `json:"deadlineUnix"`
	LastTransitionUnix  int64 `json:"lastTransitionUnix"`
	ArtifactDeletedUnix int64 `json:"artifactDeletedUnix,omitempty"`
	ProcessingDoneUnix  int64 `json:"processingDoneUnix,omitempty"`
	ExtractAttempts     int   `json:"extractAttempts,omitempty"`
	ParseAttempts       int   `json:"parseAttempts,omitempty"`

	// DeleteAudited guards the one-DELETE-event-per-session invariant.
	DeleteAudited bool        `json:"deleteAudited,omitempty"`
	DeleteCause   DeleteCause `json:"deleteCause,omitempty"`
}

// Expired reports whether the retention deadline has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() > s.DeadlineUnix
}

// HoldsArtifact reports whether the record still references on-disk plaintext.
func (s *Session) HoldsArtifact() bool {
	return s.ArtifactPath != "" || s.ScratchDir != ""
}

var safeIDRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// IsSafeSessionID rejects IDs that could escape spool-relative paths.
func IsSafeSessionID(id string) bool {
	return safeIDRe.MatchString(id)
}
