package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/pipeline/model"
)

func backends(t *testing.T) map[string]StateStore {
	t.Helper()

	badgerStore, err := OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	mr := miniredis.RunT(t)
	redisStore := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = redisStore.Close() })

	return map[string]StateStore{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
		"redis":  redisStore,
	}
}

func newSession(id string) *model.Session {
	now := time.Now()
	return &model.Session{
		ID:                 id,
		Owner:              "owner-1",
		State:              model.SessionStored,
		OriginalFilename:   "report.pdf",
		ArtifactPath:       "/spool/" + id + ".pdf",
		CreatedAtUnix:      now.Unix(),
		DeadlineUnix:       now.Add(time.Minute).Unix(),
		LastTransitionUnix: now.Unix(),
	}
}

func TestStateStore_PutGetUpdate(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, newSession("s1")))

			got, err := st.Get(ctx, "s1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, model.SessionStored, got.State)

			updated, err := st.Update(ctx, "s1", func(s *model.Session) error {
				s.State = model.SessionExtracting
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, model.SessionExtracting, updated.State)

			got, err = st.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, model.SessionExtracting, got.State)

			// missing sessions: Get returns nil,nil; Update returns ErrNotFound
			missing, err := st.Get(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
			_, err = st.Update(ctx, "nope", func(*model.Session) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStateStore_UpdateRejectionDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, newSession("s2")))
			_, err := st.Update(ctx, "s2", func(s *model.Session) error {
				s.State = model.SessionDeleted
				return assert.AnError
			})
			require.Error(t, err)
			got, err := st.Get(ctx, "s2")
			require.NoError(t, err)
			assert.Equal(t, model.SessionStored, got.State)
		})
	}
}

func TestStateStore_UploadKeyIdempotency(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, exists, err := st.PutWithUploadKey(ctx, newSession("s3"), "key-a", time.Minute)
			require.NoError(t, err)
			assert.False(t, exists)

			existing, exists, err := st.PutWithUploadKey(ctx, newSession("s4"), "key-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, exists)
			assert.Equal(t, "s3", existing)

			// replay must not have written the second session
			got, err := st.Get(ctx, "s4")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStateStore_DeletionLease(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := DeletionLeaseKey("s5")

			_, ok, err := st.TryAcquireLease(ctx, key, "worker-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// contender loses
			_, ok, err = st.TryAcquireLease(ctx, key, "sweeper", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// holder re-entry renews
			_, ok, err = st.TryAcquireLease(ctx, key, "worker-a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// release by non-owner is a no-op
			require.NoError(t, st.ReleaseLease(ctx, key, "sweeper"))
			_, ok, err = st.TryAcquireLease(ctx, key, "sweeper", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.ReleaseLease(ctx, key, "worker-a"))
			_, ok, err = st.TryAcquireLease(ctx, key, "sweeper", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStateStore_Scan(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, st.Put(ctx, newSession(id)))
			}
			seen := map[string]bool{}
			require.NoError(t, st.Scan(ctx, func(s *model.Session) error {
				seen[s.ID] = true
				return nil
			}))
			assert.Len(t, seen, 3)

			require.NoError(t, st.Delete(ctx, "b"))
			list, err := st.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}
