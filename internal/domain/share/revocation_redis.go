package share

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRevokedPrefix = "share:revoked:"

// minRevocationTTL keeps a key around briefly even for a token that has
// already expired, so a revoke acknowledged to the caller is observable.
const minRevocationTTL = time.Minute

// RedisRevocationStore keeps revoked ids as keys that expire together with
// the token, never earlier.
type RedisRevocationStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, now: time.Now}
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisRevocationStore) ttl(expiresAt time.Time) time.Duration {
	// Round up to whole seconds past expiry.
	ttl := expiresAt.Sub(s.now()).Truncate(time.Second) + time.Second
	if ttl < minRevocationTTL {
		ttl = minRevocationTTL
	}
	return ttl
}

func (s *RedisRevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	key := redisRevokedPrefix + jti
	ttl := s.ttl(expiresAt)
	ok, err := s.client.SetNX(ctx, key, s.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	if !ok {
		// Already revoked. Extend only if this expiry is later.
		cur, err := s.client.TTL(ctx, key).Result()
		if err == nil && cur >= 0 && cur < ttl {
			if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
				return fmt.Errorf("redis extend revocation: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisRevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, redisRevokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis revocation check: %w", err)
	}
	return n > 0, nil
}
