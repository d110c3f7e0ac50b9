package replay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// RedisStore is the cross-handler replay window backend: when a deployment
// runs more than one handler behind a load balancer, a single handler's
// in-memory Store can't see nonces admitted by its siblings, so replay
// protection needs a shared view. Adapted from the go-redis wiring in
// internal/infra's adapter, reusing SET NX as an atomic "admit if absent".
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore builds a replay store backed by rdb. Keys are prefixed so
// the replay namespace can share a Redis instance with other subsystems
// without collision.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "tunnelmesh:replay:"}
}

// CheckAndStore atomically admits id if it hasn't been seen within ttl,
// using SET key value NX EX ttl so the check-then-set is race-free across
// every handler sharing this Redis instance.
func (r *RedisStore) CheckAndStore(ctx context.Context, id [16]byte) (seenBefore bool, err error) {
	key := r.prefix + string(id[:])
	ok, err := r.rdb.SetNX(ctx, key, []byte{1}, r.ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.Unavailable, "redis replay check", err)
	}
	return !ok, nil
}
