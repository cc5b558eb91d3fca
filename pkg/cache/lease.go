package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// A lease key holds its owner's token. The owner may extend it; anyone else
// may only take it once it has expired.
var acquireLeaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if current then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease takes or extends the lease on key for owner.
func (c *Cache) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireLeaseScript.Run(ctx, c.Client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (c *Cache) ReleaseLease(ctx context.Context, key, owner string) error {
	return releaseLeaseScript.Run(ctx, c.Client, []string{key}, owner).Err()
}
