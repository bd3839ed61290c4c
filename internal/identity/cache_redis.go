package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/playdroplink/pi-gateway/internal/domain"
)

// Fixed cache keys. The extended profile key holds derived profile data
// written by other components and is dropped together with the session.
const (
	keySession         = "pi:session"
	keyExtendedProfile = "pi:profile:extended"
)

// RedisCache is the durable session cache.
type RedisCache struct {
	rdb *redis.Client
}

var _ SessionCache = (*RedisCache)(nil)

// NewRedisCache creates a session cache on the given redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Load reads the cached session. Returns (nil, nil) when none is stored.
func (c *RedisCache) Load(ctx context.Context) (*domain.Session, error) {
	data, err := c.rdb.Get(ctx, keySession).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &sess, nil
}

// Store writes the session.
func (c *RedisCache) Store(ctx context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.rdb.Set(ctx, keySession, data, 0).Err(); err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	return nil
}

// Clear removes the session and the extended profile.
func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.rdb.Del(ctx, keySession, keyExtendedProfile).Err(); err != nil {
		return fmt.Errorf("clear session cache: %w", err)
	}
	return nil
}
