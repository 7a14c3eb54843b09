package locker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// defaultLockTTL bounds how long a crashed holder can keep a key locked.
const defaultLockTTL = 2 * time.Minute

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by a shared Redis instance, for deployments that
// run more than one process against the same database.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed Locker.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: defaultLockTTL}
}

// Acquire implements Locker via SET NX with a per-acquisition token.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	if r == nil || r.client == nil {
		return nil, errors.New("locker: redis client not initialized")
	}
	token := uuid.NewString()
	ok, errSet := r.client.SetNX(ctx, "lock:"+key, token, r.ttl).Result()
	if errSet != nil {
		return nil, errSet
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errRelease := releaseScript.Run(releaseCtx, r.client, []string{"lock:" + key}, token).Err(); errRelease != nil {
			log.WithError(errRelease).Warnf("locker: release failed (key=%s)", key)
		}
	}, nil
}
