// SPDX-License-Identifier: MIT

// Package worker drives sessions through the processing pipeline. A pool
// of workers pulls stored sessions off a queue; each session advances
// through its stages strictly sequentially, and every terminal path runs
// the deletion enforcer before the result becomes visible.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/crypt"
	"github.com/medvault/medvault/internal/extract"
	"github.com/medvault/medvault/internal/keyring"
	"github.com/medvault/medvault/internal/log"
	"github.com/medvault/medvault/internal/parse"
	"github.com/medvault/medvault/internal/persist"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/retention"
)

// ErrQueueFull is returned when the intake queue cannot accept a session.
// The session stays STORED; the sweep collects it if nobody retries.
var ErrQueueFull = errors.New("intake queue full")

const actorWorker = "worker"

// KeyResolver resolves the per-owner encryption key.
type KeyResolver interface {
	KeyFor(ownerID string) (*keyring.KeyHandle, error)
}

// Orchestrator owns the worker pool and the per-session stage sequence.
type Orchestrator struct {
	Store     store.StateStore
	Audit     audit.Sink
	Clock     retention.Clock
	Enforcer  *retention.Enforcer
	Extractor extract.Engine
	Keys      KeyResolver
	Records   persist.RecordStore

	Workers      int
	QueueDepth   int
	StageRetries int           // transient re-attempts per stage
	RetryBackoff time.Duration // linear: attempt * backoff

	queue chan string
	group *errgroup.Group
}

func (o *Orchestrator) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return 4
}

func (o *Orchestrator) queueDepth() int {
	if o.QueueDepth > 0 {
		return o.QueueDepth
	}
	return 64
}

func (o *Orchestrator) retries() int {
	if o.StageRetries > 0 {
		return o.StageRetries
	}
	return 2
}

func (o *Orchestrator) backoff() time.Duration {
	if o.RetryBackoff > 0 {
		return o.RetryBackoff
	}
	return 500 * time.Millisecond
}

// Start launches the worker pool. Workers run until Stop closes the queue.
func (o *Orchestrator) Start(ctx context.Context) {
	o.queue = make(chan string, o.queueDepth())
	o.group = &errgroup.Group{}
	for i := 0; i < o.workers(); i++ {
		o.group.Go(func() error {
			for sessionID := range o.queue {
				queueDepth.Dec()
				o.process(ctx, sessionID)
			}
			return nil
		})
	}
	logger := log.WithComponent("worker")
	logger.Info().
		Int("workers", o.workers()).
		Int("queue_depth", o.queueDepth()).
		Msg("worker pool started")
}

// Enqueue hands a stored session to the pool without blocking.
func (o *Orchestrator) Enqueue(ctx context.Context, sessionID string) error {
	select {
	case o.queue <- sessionID:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the pool: queued sessions finish processing, then every
// session still holding an artifact is force-deleted. Plaintext on disk
// at exit is a correctness violation, not a degraded mode.
func (o *Orchestrator) Stop(ctx context.Context) error {
	close(o.queue)
	_ = o.group.Wait()
	return o.drain(ctx)
}

func (o *Orchestrator) drain(ctx context.Context) error {
	var ids []string
	err := o.Store.Scan(ctx, func(s *model.Session) error {
		if s.HoldsArtifact() || s.State == model.SessionFailed {
			ids = append(ids, s.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drain scan: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if _, err := o.Enforcer.EnsureDeleted(ctx, id, model.DeleteByShutdown); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		logger := log.WithComponent("worker")
		logger.Info().
			Int("sessions", len(ids)).
			Msg("drained artifact-holding sessions on shutdown")
	}
	return errors.Join(errs...)
}

// process runs one session through all stages. Any error path converges
// on FAILED followed by deletion.
func (o *Orchestrator) process(ctx context.Context, sessionID string) {
	ctx = log.ContextWithSessionID(ctx, sessionID)
	logger := log.WithComponentFromContext(ctx, "worker")

	tracer := otel.Tracer("medvault/pipeline")
	ctx, span := tracer.Start(ctx, "session.process",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := o.Store.Get(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("cannot load queued session")
		return
	}
	if sess == nil {
		logger.Warn().Msg("queued session vanished")
		return
	}
	if sess.State != model.SessionStored {
		// the sweep or a crash-recovery pass got here first
		logger.Warn().Str(log.FieldOldState, string(sess.State)).Msg("queued session not in STORED state, skipping")
		return
	}
	ctx = log.ContextWithOwnerID(ctx, sess.Owner)

	// EXTRACTING
	sess, err = o.advance(ctx, sessionID, model.SessionExtracting, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("lost session to a concurrent transition")
		return
	}
	text, attempts, err := o.runStage(ctx, tracer, "extract", sess.ID, func(runCtx context.Context) (string, error) {
		return o.Extractor.Run(runCtx, sess.ArtifactPath)
	})
	if err != nil {
		stageOutcomes.WithLabelValues("extract", "fail").Inc()
		o.fail(ctx, sessionID, audit.ActionExtractFail, err)
		return
	}
	stageOutcomes.WithLabelValues("extract", "ok").Inc()
	if err := o.Audit.Append(ctx, audit.Event{
		SessionID: sessionID,
		Actor:     actorWorker,
		Action:    audit.ActionExtractOK,
		Detail:    map[string]string{"attempts": fmt.Sprintf("%d", attempts), "engine": o.Extractor.Name()},
	}); err != nil {
		logger.Error().Err(err).Msg("audit append failed")
		o.fail(ctx, sessionID, "", err)
		return
	}
	if o.deadlineExceeded(ctx, sessionID) {
		return
	}

	// PARSING
	if sess, err = o.advance(ctx, sessionID, model.SessionParsing, func(s *model.Session) {
		s.ExtractAttempts = attempts
	}); err != nil {
		logger.Warn().Err(err).Msg("lost session to a concurrent transition")
		return
	}
	result, err := parse.Parse(text, o.Clock.Now())
	if err != nil {
		stageOutcomes.WithLabelValues("parse", "fail").Inc()
		o.fail(ctx, sessionID, audit.ActionParseFail, err)
		return
	}
	stageOutcomes.WithLabelValues("parse", "ok").Inc()
	if err := o.Audit.Append(ctx, audit.Event{
		SessionID: sessionID,
		Actor:     actorWorker,
		Action:    audit.ActionParseOK,
		Detail: map[string]string{
			"analysis_type": string(result.AnalysisType),
			"measurements":  fmt.Sprintf("%d", len(result.Measurements)),
		},
	}); err != nil {
		o.fail(ctx, sessionID, "", err)
		return
	}
	if o.deadlineExceeded(ctx, sessionID) {
		return
	}

	// ENCRYPTING
	if sess, err = o.advance(ctx, sessionID, model.SessionEncrypting, func(s *model.Session) {
		s.AnalysisType = result.AnalysisType
	}); err != nil {
		logger.Warn().Err(err).Msg("lost session to a concurrent transition")
		return
	}
	key, err := o.Keys.KeyFor(sess.Owner)
	if err != nil {
		stageOutcomes.WithLabelValues("encrypt", "fail").Inc()
		o.fail(ctx, sessionID, "", err)
		return
	}
	box, err := crypt.Seal(key, &crypt.RecordPayload{
		SessionID:    sessionID,
		AnalysisType: result.AnalysisType,
		Measurements: result.Measurements,
		ParsedAt:     o.Clock.Now(),
	})
	if err != nil {
		stageOutcomes.WithLabelValues("encrypt", "fail").Inc()
		o.fail(ctx, sessionID, "", err)
		return
	}
	stageOutcomes.WithLabelValues("encrypt", "ok").Inc()
	if err := o.Audit.Append(ctx, audit.Event{
		SessionID: sessionID,
		Actor:     actorWorker,
		Action:    audit.ActionEncryptOK,
	}); err != nil {
		o.fail(ctx, sessionID, "", err)
		return
	}

	// Persistence handoff
	recordID, err := o.Records.Persist(ctx, sess.Owner, box, persist.Meta{
		SessionID:    sessionID,
		AnalysisType: result.AnalysisType,
		CreatedAt:    o.Clock.Now(),
	})
	if err != nil {
		stageOutcomes.WithLabelValues("persist", "fail").Inc()
		o.fail(ctx, sessionID, "", err)
		return
	}
	stageOutcomes.WithLabelValues("persist", "ok").Inc()
	if err := o.Audit.Append(ctx, audit.Event{
		SessionID: sessionID,
		Actor:     actorWorker,
		Action:    audit.ActionPersistOK,
		Detail:    map[string]string{"record_id": recordID},
	}); err != nil {
		o.fail(ctx, sessionID, "", err)
		return
	}

	if _, err = o.advance(ctx, sessionID, model.SessionPersisted, func(s *model.Session) {
		s.RecordID = recordID
		s.ProcessingDoneUnix = o.Clock.Now().Unix()
	}); err != nil {
		logger.Error().Err(err).Msg("cannot commit PERSISTED state")
		return
	}
	sessionsCompleted.WithLabelValues("persisted").Inc()

	// terminal path: delete before the result becomes caller-visible
	if _, err := o.Enforcer.EnsureDeleted(ctx, sessionID, model.DeleteByPipeline); err != nil {
		logger.Error().Err(err).Msg("deletion after persist failed")
		return
	}
	logger.Info().
		Str(log.FieldRecordID, recordID).
		Str(log.FieldNewState, string(model.SessionPersisted)).
		Msg("session persisted and artifact deleted")
}

// runStage executes fn with the transient-retry policy: up to StageRetries
// re-attempts with linear backoff, then the failure is reclassified as
// RETRIES_EXHAUSTED.
func (o *Orchestrator) runStage(ctx context.Context, tracer trace.Tracer, stage, sessionID string, fn func(context.Context) (string, error)) (string, int, error) {
	logger := log.WithComponentFromContext(ctx, "worker")
	maxAttempts := o.retries() + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		stageCtx, span := tracer.Start(ctx, "stage."+stage,
			trace.WithAttributes(attribute.Int("attempt", attempt)))
		out, err := fn(stageCtx)
		span.End()
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		code := model.FailureOf(err)
		if !code.Transient() {
			return "", attempt, err
		}
		if attempt == maxAttempts {
			break
		}
		stageRetries.WithLabelValues(stage).Inc()
		logger.Warn().Err(err).
			Str(log.FieldStage, stage).
			Int(log.FieldAttempt, attempt).
			Str(log.FieldFailure, string(code)).
			Msg("transient stage failure, backing off")
		_, _ = o.Store.Update(ctx, sessionID, func(s *model.Session) error {
			s.ExtractAttempts = attempt
			return nil
		})
		select {
		case <-ctx.Done():
			return "", attempt, &exhaustedError{last: lastErr}
		case <-time.After(time.Duration(attempt) * o.backoff()):
		}
	}
	return "", maxAttempts, &exhaustedError{last: lastErr}
}

// exhaustedError reclassifies a transient failure that ran out of retries.
type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s: %v", model.FailRetriesExhausted, e.last)
}

func (e *exhaustedError) Unwrap() error { return e.last }

func (e *exhaustedError) FailureCode() model.FailureCode { return model.FailRetriesExhausted }

// advance commits one state transition. The closure re-checks the state
// machine inside the store's atomic update: a concurrent sweep losing the
// race cannot corrupt the sequence.
func (o *Orchestrator) advance(ctx context.Context, sessionID string, next model.SessionState, mut func(*model.Session)) (*model.Session, error) {
	var from model.SessionState
	updated, err := o.Store.Update(ctx, sessionID, func(s *model.Session) error {
		if !s.State.CanAdvanceTo(next) {
			return fmt.Errorf("illegal transition %s -> %s", s.State, next)
		}
		from = s.State
		s.State = next
		s.LastTransitionUnix = o.Clock.Now().Unix()
		if mut != nil {
			mut(s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(from), string(next)).Inc()
	logger := log.WithComponentFromContext(ctx, "worker")
	logger.Debug().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(next)).
		Msg("session advanced")
	return updated, nil
}

// deadlineExceeded forces FAILED when the retention deadline passed while
// a stage was in flight. The stage itself is never killed midway.
func (o *Orchestrator) deadlineExceeded(ctx context.Context, sessionID string) bool {
	sess, err := o.Store.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return true
	}
	if !sess.Expired(o.Clock.Now()) {
		return false
	}
	o.fail(ctx, sessionID, "", &deadlineError{deadline: time.Unix(sess.DeadlineUnix, 0)})
	return true
}

type deadlineError struct {
	deadline time.Time
}

func (e *deadlineError) Error() string {
	return fmt.Sprintf("%s: retention deadline %s passed", model.FailDeadlineExceeded, e.deadline.UTC().Format(time.RFC3339))
}

func (e *deadlineError) FailureCode() model.FailureCode { return model.FailDeadlineExceeded }

// fail commits the FAILED state and runs the enforcer. failAction is the
// stage audit action when the enum defines one (extract/parse failures);
// encryption and persistence failures surface through the session record
// and the DELETE event only.
func (o *Orchestrator) fail(ctx context.Context, sessionID string, failAction audit.Action, cause error) {
	logger := log.WithComponentFromContext(ctx, "worker")
	code := model.FailureOf(cause)

	if failAction != "" {
		if err := o.Audit.Append(ctx, audit.Event{
			SessionID: sessionID,
			Actor:     actorWorker,
			Action:    failAction,
			Detail:    map[string]string{"failure": string(code)},
		}); err != nil {
			logger.Error().Err(err).Msg("audit append failed while failing session")
		}
	}

	_, err := o.Store.Update(ctx, sessionID, func(s *model.Session) error {
		if !s.State.CanAdvanceTo(model.SessionFailed) {
			return fmt.Errorf("illegal transition %s -> FAILED", s.State)
		}
		s.State = model.SessionFailed
		s.Failure = code
		s.FailureDetail = cause.Error()
		s.LastTransitionUnix = o.Clock.Now().Unix()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("cannot commit FAILED state")
		return
	}
	sessionsCompleted.WithLabelValues("failed").Inc()
	logger.Warn().
		Str(log.FieldFailure, string(code)).
		Err(cause).
		Msg("session failed")

	if _, err := o.Enforcer.EnsureDeleted(ctx, sessionID, model.DeleteByPipeline); err != nil {
		logger.Error().Err(err).Msg("deletion after failure failed")
	}
}
