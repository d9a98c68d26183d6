package redis_repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CycleLock is a SetNX lease that keeps replicas from running the ingestion
// cycle at the same time.
type CycleLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewCycleLock(client *redis.Client, key string, ttl time.Duration) *CycleLock {
	return &CycleLock{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

// Acquire reports whether the lease was taken.
func (l *CycleLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *CycleLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
