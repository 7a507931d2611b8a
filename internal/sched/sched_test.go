// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/audit"
	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/medvault/medvault/internal/pipeline/store"
	"github.com/medvault/medvault/internal/retention"
)

type fixture struct {
	sched *Scheduler
	store *store.MemoryStore
	audit *audit.Logger
	clock *retention.FakeClock
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	al, err := audit.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = al.Close() })
	clock := retention.NewFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	enf := &retention.Enforcer{
		Store: st,
		Audit: al,
		Clock: clock,
		Owner: "test-sched",
		Fatal: func(sessionID string, err error) {
			t.Fatalf("unexpected integrity escalation for %s: %v", sessionID, err)
		},
	}
	return &fixture{
		sched: &Scheduler{Store: st, Audit: al, Enforcer: enf, Clock: clock},
		store: st,
		audit: al,
		clock: clock,
		dir:   t.TempDir(),
	}
}

// storedSession plants a session that looks like a worker crashed right
// after intake: STORED, artifact on disk, never enqueued.
func (f *fixture) storedSession(t *testing.T, id string, window time.Duration) *model.Session {
	t.Helper()
	path := filepath.Join(f.dir, id+".pdf")
	require.NoError(t, os.WriteFile(path, []byte("plaintext"), 0o600))
	now := f.clock.Now()
	sess := &model.Session{
		ID:                 id,
		Owner:              "owner-a",
		State:              model.SessionStored,
		OriginalFilename:   "report.pdf",
		ArtifactPath:       path,
		CreatedAtUnix:      now.Unix(),
		DeadlineUnix:       now.Add(window).Unix(),
		LastTransitionUnix: now.Unix(),
	}
	require.NoError(t, f.store.Put(context.Background(), sess))
	return sess
}

func actions(t *testing.T, al *audit.Logger) []audit.Action {
	t.Helper()
	events, err := al.Events()
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestSweepOnce_CollectsExpiredAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.storedSession(t, "crashed", time.Minute)

	// not yet expired: sweep leaves it alone
	require.NoError(t, f.sched.SweepOnce(ctx))
	got, err := f.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStored, got.State)
	_, err = os.Stat(sess.ArtifactPath)
	assert.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.sched.SweepOnce(ctx))

	got, err = f.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDeleted, got.State)
	assert.Empty(t, got.ArtifactPath)
	assert.Equal(t, model.DeleteBySweep, got.DeleteCause)
	_, err = os.Stat(sess.ArtifactPath)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, actions(t, f.audit), audit.ActionSweepDelete)
}

func TestSweepOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.storedSession(t, "crashed", time.Minute)
	f.clock.Advance(2 * time.Minute)

	require.NoError(t, f.sched.SweepOnce(ctx))
	require.NoError(t, f.sched.SweepOnce(ctx))

	deletes := 0
	for _, a := range actions(t, f.audit) {
		if a == audit.ActionSweepDelete || a == audit.ActionDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestSweepOnce_FailsAbandonedCreatedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.store.Put(ctx, &model.Session{
		ID:                 "abandoned",
		Owner:              "owner-a",
		State:              model.SessionCreated,
		CreatedAtUnix:      now.Unix(),
		DeadlineUnix:       now.Add(time.Minute).Unix(),
		LastTransitionUnix: now.Unix(),
	}))

	// still inside its window: untouched
	require.NoError(t, f.sched.SweepOnce(ctx))
	got, err := f.store.Get(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCreated, got.State)

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.sched.SweepOnce(ctx))

	got, err = f.store.Get(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.SessionDeleted, got.State)
	assert.Equal(t, model.FailDeadlineExceeded, got.Failure)
	assert.Equal(t, model.DeleteBySweep, got.DeleteCause)
	assert.Contains(t, actions(t, f.audit), audit.ActionSweepDelete)

	// repeated sweeps must not re-fail or re-delete it
	require.NoError(t, f.sched.SweepOnce(ctx))
	deletes := 0
	for _, a := range actions(t, f.audit) {
		if a == audit.ActionSweepDelete || a == audit.ActionDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestSweepOnce_SkipsPersistedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.store.Put(ctx, &model.Session{
		ID:            "done",
		Owner:         "owner-a",
		State:         model.SessionPersisted,
		RecordID:      "rec-1",
		DeadlineUnix:  now.Add(-time.Hour).Unix(),
		DeleteAudited: true,
	}))

	require.NoError(t, f.sched.SweepOnce(ctx))

	got, err := f.store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPersisted, got.State)
	assert.NotContains(t, actions(t, f.audit), audit.ActionSweepDelete)
}

func TestVerifyOnce_ForcesCleanupPastGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.storedSession(t, "lingering", time.Minute)

	// expired but still within grace: tolerated
	f.clock.Advance(time.Minute + 5*time.Second)
	require.NoError(t, f.sched.VerifyOnce(ctx))
	assert.NotContains(t, actions(t, f.audit), audit.ActionIntegrityAlert)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.VerifyOnce(ctx))

	got := actions(t, f.audit)
	assert.Contains(t, got, audit.ActionIntegrityAlert)
	assert.Contains(t, got, audit.ActionSweepDelete)
	_, err := os.Stat(sess.ArtifactPath)
	assert.True(t, os.IsNotExist(err))
}

func TestVerifyOnce_CleanStoreIsQuiet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.sched.VerifyOnce(ctx))
	assert.Empty(t, actions(t, f.audit))
}

func TestPruneOnce_DropsOldEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sched.AuditRetention = 90 * 24 * time.Hour

	old := f.clock.Now().Add(-91 * 24 * time.Hour)
	require.NoError(t, f.audit.Append(ctx, audit.Event{
		Timestamp: old, SessionID: "ancient", Action: audit.ActionUpload,
	}))
	require.NoError(t, f.audit.Append(ctx, audit.Event{
		Timestamp: f.clock.Now(), SessionID: "recent", Action: audit.ActionUpload,
	}))

	require.NoError(t, f.sched.PruneOnce(ctx))

	events, err := f.audit.Events()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "recent", events[0].SessionID)
	assert.Equal(t, audit.ActionPrune, events[1].Action)
	assert.Equal(t, "1", events[1].Detail["removed"])
	require.NoError(t, f.audit.Verify())
}

func TestPruneOnce_NothingToPrune(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.audit.Append(ctx, audit.Event{
		Timestamp: f.clock.Now(), SessionID: "recent", Action: audit.ActionUpload,
	}))

	require.NoError(t, f.sched.PruneOnce(ctx))

	events, err := f.audit.Events()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHealthOnce_HighErrorRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sched.ErrorRateMax = 3
	now := f.clock.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.store.Put(ctx, &model.Session{
			ID:                 "failed-" + strconv.Itoa(i),
			Owner:              "owner-a",
			State:              model.SessionDeleted,
			Failure:            model.FailEmptyOutput,
			LastTransitionUnix: now.Add(-time.Hour).Unix(),
			DeleteAudited:      true,
		}))
	}

	require.NoError(t, f.sched.HealthOnce(ctx))

	events, err := f.audit.Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionHighErrorRate, events[0].Action)
	assert.Equal(t, "5", events[0].Detail["failed_24h"])
}

func TestHealthOnce_OldFailuresIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sched.ErrorRateMax = 1
	now := f.clock.Now()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.Put(ctx, &model.Session{
			ID:                 "failed-" + strconv.Itoa(i),
			Owner:              "owner-a",
			State:              model.SessionDeleted,
			Failure:            model.FailEmptyOutput,
			LastTransitionUnix: now.Add(-48 * time.Hour).Unix(),
			DeleteAudited:      true,
		}))
	}

	require.NoError(t, f.sched.HealthOnce(ctx))
	assert.Empty(t, actions(t, f.audit))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.sched.SweepInterval = time.Hour
	f.sched.VerifyInterval = time.Hour
	f.sched.PruneInterval = time.Hour
	f.sched.HealthInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
