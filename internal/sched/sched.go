// SPDX-License-Identifier: MIT

// Package sched runs the periodic maintenance loops: the expired-artifact
// sweep, the retention verification pass, audit pruning and the health
// check. Every pass is idempotent, so overlapping or repeated runs after a
// crash are harmless.
package sched

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/retention"
)

var (
	sweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medvault_sweep_runs_total",
		Help: "Completed sweep passes.",
	})
	sweepDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medvault_sweep_deletions_total",
		Help: "Expired artifacts collected by the sweep.",
	})
	stuckSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medvault_stuck_sessions",
		Help: "Sessions without a state transition past the stuck threshold.",
	})
	failedLast24h = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medvault_failed_sessions_24h",
		Help: "Sessions that entered FAILED during the last 24 hours.",
	})
	auditPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medvault_audit_events_pruned_total",
		Help: "Audit events removed by retention pruning.",
	})
)

// Scheduler owns the maintenance loops. Zero-value intervals fall back to
// the documented cadences.
type Scheduler struct {
	Store    store.StateStore
	Audit    *audit.Logger
	Enforcer *retention.Enforcer
	Clock    retention.Clock

	SweepInterval time.Duration
	// VerifyInterval paces the verification pass; VerifyGrace is how long
	// past the deadline a session may still legitimately be in flight.
	VerifyInterval time.Duration
	VerifyGrace    time.Duration
	PruneInterval  time.Duration
	AuditRetention time.Duration
	HealthInterval time.Duration
	// StuckThreshold flags sessions whose last transition is older than this.
	StuckThreshold time.Duration
	// ErrorRateMax is the number of FAILED sessions per 24h above which the
	// health pass raises HIGH_ERROR_RATE.
	ErrorRateMax int

	sweepBusy  atomic.Bool
	verifyBusy atomic.Bool
}

func (s *Scheduler) sweepInterval() time.Duration {
	if s.SweepInterval > 0 {
		return s.SweepInterval
	}
	return 5 * time.Minute
}

func (s *Scheduler) verifyInterval() time.Duration {
	if s.VerifyInterval > 0 {
		return s.VerifyInterval
	}
	return time.Hour
}

func (s *Scheduler) verifyGrace() time.Duration {
	if s.VerifyGrace > 0 {
		return s.VerifyGrace
	}
	return 10 * time.Second
}

func (s *Scheduler) pruneInterval() time.Duration {
	if s.PruneInterval > 0 {
		return s.PruneInterval
	}
	return 24 * time.Hour
}

func (s *Scheduler) auditRetention() time.Duration {
	if s.AuditRetention > 0 {
		return s.AuditRetention
	}
	return 90 * 24 * time.Hour
}

func (s *Scheduler) healthInterval() time.Duration {
	if s.HealthInterval > 0 {
		return s.HealthInterval
	}
	return 30 * time.Minute
}

func (s *Scheduler) stuckThreshold() time.Duration {
	if s.StuckThreshold > 0 {
		return s.StuckThreshold
	}
	return 10 * time.Minute
}

func (s *Scheduler) errorRateMax() int {
	if s.ErrorRateMax > 0 {
		return s.ErrorRateMax
	}
	return 10
}

// Run starts all loops and blocks until ctx is canceled. Each loop fires
// once at startup so a restart immediately collects whatever a crashed
// process left behind.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, s.sweepInterval(), s.SweepOnce) })
	g.Go(func() error { return s.loop(ctx, s.verifyInterval(), s.VerifyOnce) })
	g.Go(func() error { return s.loop(ctx, s.pruneInterval(), s.PruneOnce) })
	g.Go(func() error { return s.loop(ctx, s.healthInterval(), s.HealthOnce) })
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, pass func(context.Context) error) error {
	logger := log.WithComponent("sched")
	run := func() {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Dur("interval", every).Msg("maintenance pass failed")
		}
	}
	run()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}

// SweepOnce collects every expired session that still holds an artifact,
// and fails abandoned CREATED sessions whose upload never arrived. The
// enforcer's per-session lease keeps this safe to run while the worker
// pool is processing the same sessions.
func (s *Scheduler) SweepOnce(ctx context.Context) error {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.sweepBusy.Store(false)

	now := s.Clock.Now()
	logger := log.WithComponent("sched")
	var firstErr error
	collected := 0
	err := s.Store.Scan(ctx, func(sess *model.Session) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sess.Expired(now) {
			return nil
		}
		if sess.State == model.SessionCreated {
			// A CREATED session past deadline never received its upload.
			// Fail it so it becomes deletable instead of lingering forever.
			if _, err := s.Store.Update(ctx, sess.ID, func(cur *model.Session) error {
				if cur.State != model.SessionCreated {
					return nil
				}
				cur.State = model.SessionFailed
				cur.Failure = model.FailDeadlineExceeded
				cur.FailureDetail = "upload never completed before deadline"
				cur.LastTransitionUnix = now.Unix()
				return nil
			}); err != nil {
				logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("cannot fail abandoned session")
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
		} else if !sess.HoldsArtifact() && sess.State != model.SessionFailed {
			return nil
		}
		res, err := s.Enforcer.EnsureDeleted(ctx, sess.ID, model.DeleteBySweep)
		if err != nil {
			logger.Error().Err(err).Str(log.FieldSessionID, sess.ID).Msg("sweep deletion failed")
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		if res.Audited {
			collected++
			sweepDeletions.Inc()
		}
		return nil
	})
	if err != nil {
		return err
	}
	sweepRuns.Inc()
	if collected > 0 {
		logger.Info().Int("collected", collected).Msg("sweep collected expired artifacts")
	}
	return firstErr
}

// VerifyOnce re-checks the retention guarantee: no artifact may exist on
// disk past deadline plus grace, and the audit chain must still verify.
// Violations raise an integrity alert and are force-cleaned.
func (s *Scheduler) VerifyOnce(ctx context.Context) error {
	if !s.verifyBusy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.verifyBusy.Store(false)

	logger := log.WithComponent("sched")
	if err := s.Audit.Verify(); err != nil {
		retention.RecordIntegrityAlert("audit_chain")
		_ = s.Audit.Append(ctx, audit.Event{
			Action: audit.ActionIntegrityAlert,
			Detail: map[string]string{"kind": "audit_chain", "error": err.Error()},
		})
		logger.Error().Err(err).Msg("audit chain verification failed")
	}

	cutoff := s.Clock.Now().Add(-s.verifyGrace())
	return s.Store.Scan(ctx, func(sess *model.Session) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sess.ArtifactPath == "" || !sess.Expired(cutoff) {
			return nil
		}
		if _, err := os.Stat(sess.ArtifactPath); err != nil {
			return nil
		}
		retention.RecordIntegrityAlert("retention_violation")
		_ = s.Audit.Append(ctx, audit.Event{
			SessionID: sess.ID,
			Action:    audit.ActionIntegrityAlert,
			Detail: map[string]string{
				"kind":     "retention_violation",
				"deadline": strconv.FormatInt(sess.DeadlineUnix, 10),
			},
		})
		logger.Error().
			Str(log.FieldSessionID, sess.ID).
			Time("deadline", time.Unix(sess.DeadlineUnix, 0)).
			Msg("artifact survived past deadline, forcing cleanup")
		if _, err := s.Enforcer.EnsureDeleted(ctx, sess.ID, model.DeleteBySweep); err != nil {
			return fmt.Errorf("forced cleanup of %s: %w", sess.ID, err)
		}
		return nil
	})
}

// PruneOnce drops audit events older than the audit retention period.
func (s *Scheduler) PruneOnce(ctx context.Context) error {
	cutoff := s.Clock.Now().Add(-s.auditRetention())
	n, err := s.Audit.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("audit prune: %w", err)
	}
	if n > 0 {
		auditPruned.Add(float64(n))
		logger := log.WithComponent("sched")
		logger.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("pruned audit events")
	}
	return nil
}

// HealthOnce surveys the session store: sessions stuck mid-pipeline and the
// failure rate over the trailing 24 hours.
func (s *Scheduler) HealthOnce(ctx context.Context) error {
	now := s.Clock.Now()
	stuckBefore := now.Add(-s.stuckThreshold()).Unix()
	failedSince := now.Add(-24 * time.Hour).Unix()

	stuck := 0
	failed := 0
	err := s.Store.Scan(ctx, func(sess *model.Session) error {
		switch sess.State {
		case model.SessionExtracting, model.SessionParsing, model.SessionEncrypting:
			if sess.LastTransitionUnix < stuckBefore {
				stuck++
			}
		case model.SessionFailed, model.SessionDeleted:
			if sess.Failure != "" && sess.LastTransitionUnix >= failedSince {
				failed++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	stuckSessions.Set(float64(stuck))
	failedLast24h.Set(float64(failed))

	logger := log.WithComponent("sched")
	if stuck > 0 {
		logger.Warn().Int("stuck", stuck).Dur("threshold", s.stuckThreshold()).Msg("sessions stuck mid-pipeline")
	}
	if failed > s.errorRateMax() {
		_ = s.Audit.Append(ctx, audit.Event{
			Action: audit.ActionHighErrorRate,
			Detail: map[string]string{
				"failed_24h": strconv.Itoa(failed),
				"threshold":  strconv.Itoa(s.errorRateMax()),
			},
		})
		logger.Error().Int("failed_24h", failed).Msg("failure rate above threshold")
	}
	return nil
}
