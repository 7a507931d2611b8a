// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/medvault/medvault/internal/pipeline/model"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a StateStore for multi-process deployments where ingestion
// and workers run in separate processes sharing one redis.
type RedisStore struct {
	rdb *redis.Client
}

const updateRetries = 8

// releaseScript deletes a lease only when still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

func OpenRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client (tests use miniredis).
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) Put(ctx context.Context, rec *model.Session) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, "sess:"+rec.ID, buf, 0).Err()
}

func (s *RedisStore) PutWithUploadKey(ctx context.Context, rec *model.Session, uploadKey string, ttl time.Duration) (string, bool, error) {
	if uploadKey != "" {
		ok, err := s.rdb.SetNX(ctx, "upl:"+uploadKey, rec.ID, ttl).Result()
		if err != nil {
			return "", false, err
		}
		if !ok {
			existing, err := s.rdb.Get(ctx, "upl:"+uploadKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return "", false, err
			}
			return existing, true, nil
		}
	}
	return "", false, s.Put(ctx, rec)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Session, error) {
	val, err := s.rdb.Get(ctx, "sess:"+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out model.Session
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	key := "sess:" + id
	var out model.Session
	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = model.Session{}
		if err := json.Unmarshal(val, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return &out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, errors.New("redis update contention exhausted retries")
}

func (s *RedisStore) List(ctx context.Context) ([]*model.Session, error) {
	var list []*model.Session
	err := s.Scan(ctx, func(r *model.Session) error {
		list = append(list, r)
		return nil
	})
	return list, err
}

func (s *RedisStore) Scan(ctx context.Context, fn func(*model.Session) error) error {
	iter := s.rdb.Scan(ctx, 0, "sess:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var rec model.Session
		if err := json.Unmarshal(val, &rec); err != nil {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, "sess:"+id).Err()
}

func (s *RedisStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	rkey := "lease:" + key
	ok, err := s.rdb.SetNX(ctx, rkey, owner, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		current, err := s.rdb.Get(ctx, rkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, err
		}
		if current != owner {
			return nil, false, nil
		}
		// Re-entry renews.
		if err := s.rdb.Expire(ctx, rkey, ttl).Err(); err != nil {
			return nil, false, err
		}
	}
	return &redisLease{key: key, owner: owner, exp: time.Now().Add(ttl)}, true, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.rdb, []string{"lease:" + key}, owner).Err()
}

type redisLease struct {
	key   string
	owner string
	exp   time.Time
}

func (l *redisLease) Key() string          { return l.key }
func (l *redisLease) Owner() string        { return l.owner }
func (l *redisLease) ExpiresAt() time.Time { return l.exp }

var _ StateStore = (*RedisStore)(nil)
