package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/stableflow/internal/idgen"
)

var errHeld = errors.New("lease: held by another owner")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser is a Leaser shared by every instance pointing at the same
// Redis. A lease is a SET NX key carrying a random token with a TTL, so a
// crashed holder cannot block the claim forever.
type RedisLeaser struct {
	client      goredis.UniversalClient
	prefix      string
	ttl         time.Duration
	minInterval time.Duration
	maxInterval time.Duration
}

// NewRedisLeaser creates a Redis-backed leaser. ttl must exceed the
// longest operation performed under a lease.
func NewRedisLeaser(client goredis.UniversalClient, ttl time.Duration) *RedisLeaser {
	return &RedisLeaser{
		client:      client,
		prefix:      "stableflow:lease:",
		ttl:         ttl,
		minInterval: 20 * time.Millisecond,
		maxInterval: 500 * time.Millisecond,
	}
}

func (r *RedisLeaser) Acquire(ctx context.Context, key string) (*Lease, error) {
	redisKey := r.prefix + key
	token := idgen.New()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.minInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0 // bounded by ctx

	op := func() error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis lease %s: %w", key, err))
		}
		if !ok {
			return errHeld
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		observeAcquire("redis", false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	observeAcquire("redis", true)

	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			n, err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Int()
			if err != nil {
				return fmt.Errorf("redis lease release %s: %w", key, err)
			}
			if n == 0 {
				return ErrLost
			}
			return nil
		},
	}, nil
}

// Ping checks Redis connectivity.
func (r *RedisLeaser) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
