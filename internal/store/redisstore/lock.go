package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "genstudio:joblock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	rdb     *redis.Client
	lockTTL time.Duration
}

func NewStore(addr, password string, db int, lockTTL time.Duration) *Store {
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb, lockTTL: lockTTL}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Acquire takes the per-job execution lock. ok is false when another worker
// holds it. release is safe to call more than once.
func (s *Store) Acquire(ctx context.Context, jobID string) (release func(), ok bool, err error) {
	if jobID == "" {
		return nil, false, errors.New("redisstore: job id is required")
	}
	key := lockPrefix + jobID
	token := uuid.NewString()

	ok, err = s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, s.rdb, []string{key}, token).Err()
	}, true, nil
}
