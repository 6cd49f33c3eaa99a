package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-holder lease on a key. A holder that dies lets it expire after ttl.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func (c *Client) NewLock(key string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lock{client: c.client, key: key, ttl: ttl}
}

// Acquire takes the lock when free. The returned token must be passed to Release.
func (l *Lock) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ErrLockLost means the lock expired or was taken over before Release.
var ErrLockLost = errors.New("lock no longer held")

func (l *Lock) Release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
