// SPDX-License-Identifier: MIT

// Package retention enforces the hard deletion guarantee: no plaintext
// artifact outlives its retention window, on any code path.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
)

var (
	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_deletions_total",
			Help: "Artifact deletions by cause.",
		},
		[]string{"cause"},
	)
	deletionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medvault_deletion_failures_total",
			Help: "Deletion attempts that failed and were re-tried.",
		},
	)
	integrityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medvault_integrity_alerts_total",
			Help: "Violations of the retention guarantee requiring operator attention.",
		},
		[]string{"kind"},
	)
)

// RecordIntegrityAlert counts a retention-guarantee violation. Exposed for
// the cleanup scheduler's verification pass.
func RecordIntegrityAlert(kind string) {
	integrityAlerts.WithLabelValues(kind).Inc()
}

// Result reports what a deletion call found.
type Result struct {
	// AlreadyDeleted is true when nothing was on disk anymore, or another
	// deletion attempt held the lease.
	AlreadyDeleted bool
	// Audited is true when this call emitted the deletion audit event.
	Audited bool
}

// Enforcer deletes the ephemeral source file and any scratch buffers for a
// session. Idempotent; serialized per session via a store lease so the
// pipeline and the sweep never double-report.
type Enforcer struct {
	Store    store.StateStore
	Audit    audit.Sink
	Clock    Clock
	Owner    string
	LeaseTTL time.Duration
	// Attempts bounds deletion re-tries before escalation.
	Attempts int
	// Fatal is the integrity escalation hook. A deletion that keeps failing
	// breaks the retention guarantee and defaults to terminating the process.
	Fatal func(sessionID string, err error)
}

func (e *Enforcer) attempts() int {
	if e.Attempts > 0 {
		return e.Attempts
	}
	return 3
}

func (e *Enforcer) leaseTTL() time.Duration {
	if e.LeaseTTL > 0 {
		return e.LeaseTTL
	}
	return 30 * time.Second
}

func (e *Enforcer) fatal(sessionID string, err error) {
	if e.Fatal != nil {
		e.Fatal(sessionID, err)
		return
	}
	logger := log.WithComponent("retention")
	logger.Fatal().
		Err(err).
		Str(log.FieldSessionID, sessionID).
		Msg("persistent deletion failure: retention guarantee broken")
}

// EnsureDeleted removes the session's artifact and scratch directory, emits
// exactly one DELETE or SWEEP_DELETE audit event per session, and advances
// FAILED (or artifact-holding) sessions to DELETED. Safe to call any number
// of times.
func (e *Enforcer) EnsureDeleted(ctx context.Context, sessionID string, cause model.DeleteCause) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "retention").With().
		Str(log.FieldSessionID, sessionID).Logger()

	// The store treats same-owner acquisition as a renewal, so a static
	// owner would let two callers sharing one Enforcer pass the lease at
	// the same time. A per-call owner makes the lease genuinely exclusive.
	leaseOwner := e.Owner + "/" + uuid.NewString()
	lease, ok, err := e.Store.TryAcquireLease(ctx, store.DeletionLeaseKey(sessionID), leaseOwner, e.leaseTTL())
	if err != nil {
		return Result{}, fmt.Errorf("deletion lease: %w", err)
	}
	if !ok {
		// Another deletion attempt is in flight; it owns the audit event.
		return Result{AlreadyDeleted: true}, nil
	}
	defer func() { _ = e.Store.ReleaseLease(ctx, lease.Key(), leaseOwner) }()

	sess, err := e.Store.Get(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		return Result{AlreadyDeleted: true}, nil
	}
	if !sess.HoldsArtifact() && sess.DeleteAudited {
		return Result{AlreadyDeleted: true}, nil
	}

	hadFiles, err := e.removeWithRetry(sess, logger)
	if err != nil {
		integrityAlerts.WithLabelValues("deletion_failure").Inc()
		_ = e.Audit.Append(ctx, audit.Event{
			SessionID: sessionID,
			Action:    audit.ActionIntegrityAlert,
			Detail:    map[string]string{"error": err.Error(), "kind": "deletion_failure"},
		})
		e.fatal(sessionID, err)
		return Result{}, err
	}

	audited := false
	if !sess.DeleteAudited {
		action := audit.ActionDelete
		if cause == model.DeleteBySweep {
			action = audit.ActionSweepDelete
		}
		detail := map[string]string{"cause": string(cause)}
		if !hadFiles {
			detail["already_absent"] = "true"
		}
		if err := e.Audit.Append(ctx, audit.Event{
			SessionID: sessionID,
			Action:    action,
			Detail:    detail,
		}); err != nil {
			return Result{}, fmt.Errorf("audit deletion: %w", err)
		}
		audited = true
		deletionsTotal.WithLabelValues(string(cause)).Inc()
	}

	now := e.Clock.Now()
	_, err = e.Store.Update(ctx, sessionID, func(s *model.Session) error {
		s.ArtifactPath = ""
		s.ScratchDir = ""
		if s.ArtifactDeletedUnix == 0 {
			s.ArtifactDeletedUnix = now.Unix()
		}
		if !s.DeleteAudited {
			s.DeleteAudited = true
			s.DeleteCause = cause
		}
		if s.State == model.SessionFailed || s.State.HoldsArtifact() {
			s.State = model.SessionDeleted
			s.LastTransitionUnix = now.Unix()
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	return Result{AlreadyDeleted: !hadFiles, Audited: audited}, nil
}

// removeWithRetry deletes the artifact and scratch dir, re-attempting on
// filesystem errors. Returns whether anything was actually on disk.
func (e *Enforcer) removeWithRetry(sess *model.Session, logger zerolog.Logger) (bool, error) {
	hadFiles := false
	var lastErr error
	for attempt := 1; attempt <= e.attempts(); attempt++ {
		removed, err := removeArtifacts(sess)
		hadFiles = hadFiles || removed
		if err == nil {
			return hadFiles, nil
		}
		lastErr = err
		deletionFailures.Inc()
		logger.Warn().Err(err).Int(log.FieldAttempt, attempt).Msg("artifact deletion failed, re-trying")
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return hadFiles, fmt.Errorf("deletion failed after %d attempts: %w", e.attempts(), lastErr)
}

// removeArtifacts removes both paths, reporting whether either existed.
func removeArtifacts(sess *model.Session) (bool, error) {
	removed := false
	if sess.ArtifactPath != "" {
		switch err := os.Remove(sess.ArtifactPath); {
		case err == nil:
			removed = true
		case !errors.Is(err, os.ErrNotExist):
			return removed, fmt.Errorf("remove artifact: %w", err)
		}
	}
	if sess.ScratchDir != "" {
		if _, err := os.Stat(sess.ScratchDir); err == nil {
			removed = true
		}
		if err := os.RemoveAll(sess.ScratchDir); err != nil {
			return removed, fmt.Errorf("remove scratch dir: %w", err)
		}
	}
	return removed, nil
}
