package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock is held elsewhere")

// Token-guarded so a holder whose lock expired cannot release or extend a
// lock taken since by someone else.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is an exclusive lease on a key.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Lock takes key for ttl, failing with ErrLocked if it is already held.
func (c *Cache) Lock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating lock token: %w", err)
	}
	token := hex.EncodeToString(buf)

	ok, err := c.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	return &Lock{client: c.Client, key: key, token: token}, nil
}

// Extend resets the lease to ttl if it is still ours.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extending lock %s: %w", l.key, ErrLocked)
	}
	return nil
}

// Release gives the lock up. Releasing a lock that expired is not an error.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}

// KeepAlive extends the lock every ttl/3 until ctx is done.
func (l *Lock) KeepAlive(ctx context.Context, ttl time.Duration, onLost func(error)) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx, ttl); err != nil {
				if ctx.Err() == nil && onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
