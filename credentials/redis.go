package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pelagos-market/pelagos/types"
)

// RedisCache is a session-scoped cache backed by Redis, for deployments
// where the engine runs replicated behind one user session store.
// Entries carry a TTL as a backstop; the authoritative session TTL is
// still the external verifier's.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis session cache configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisCache creates a Redis-backed session cache and verifies the
// connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sessions:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (c *RedisCache) key(assetID, serviceID string) string {
	return c.prefix + types.OrderKey(assetID, serviceID)
}

func (c *RedisCache) Lookup(ctx context.Context, assetID, serviceID string) (types.CredentialSession, bool) {
	val, err := c.client.Get(ctx, c.key(assetID, serviceID)).Bytes()
	if err != nil {
		return types.CredentialSession{}, false
	}
	var session types.CredentialSession
	if err := json.Unmarshal(val, &session); err != nil {
		return types.CredentialSession{}, false
	}
	return session, true
}

func (c *RedisCache) LookupSkip(ctx context.Context, assetID, serviceID string) bool {
	session, ok := c.Lookup(ctx, assetID, serviceID)
	return ok && session.SkipVerify
}

func (c *RedisCache) Put(ctx context.Context, session types.CredentialSession) error {
	val, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(session.AssetID, session.ServiceID), val, c.ttl).Err(); err != nil {
		return fmt.Errorf("session cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, assetID, serviceID string) error {
	if err := c.client.Del(ctx, c.key(assetID, serviceID)).Err(); err != nil {
		return fmt.Errorf("session cache delete: %w", err)
	}
	return nil
}

// Clear drops every session under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("session cache clear: %w", err)
		}
	}
	return iter.Err()
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
