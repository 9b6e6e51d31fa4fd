package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// RedisOptions tunes the Redis client used by the shared tier and the bus
type RedisOptions struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient parses the URL, applies timeouts and verifies the connection
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	if o.MaxRetries > 0 {
		opts.MaxRetries = o.MaxRetries
	}

	opts.DialTimeout = orDefault(o.DialTimeout, 5*time.Second)
	opts.ReadTimeout = orDefault(o.ReadTimeout, time.Second)
	opts.WriteTimeout = orDefault(o.WriteTimeout, time.Second)

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Shared is the cross-process tier. Every call is bounded by a short timeout
// and failures are reported as iam.ErrCacheUnavailable.
type Shared struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewShared creates the shared tier
func NewShared(client *redis.Client, ttl, timeout time.Duration) *Shared {
	return &Shared{
		client:  client,
		ttl:     ttl,
		timeout: orDefault(timeout, 50*time.Millisecond),
	}
}

// Get returns the snapshot under key, or nil on a miss
func (s *Shared) Get(ctx context.Context, key string) (*iam.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", iam.ErrCacheUnavailable, err)
	}

	var snap iam.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Drop corrupt entries so the next lookup rebuilds
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("%w: decode snapshot: %v", iam.ErrCacheUnavailable, err)
	}
	return &snap, nil
}

// Put stores the snapshot under key with the tier TTL
func (s *Shared) Put(ctx context.Context, key string, snap *iam.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", iam.ErrCacheUnavailable, err)
	}
	return nil
}

// PurgeTenant deletes every key of the tenant. Old versions are never read
// again, so this only reclaims memory ahead of the TTL.
func (s *Shared) PurgeTenant(ctx context.Context, tenantID string) (int, error) {
	if err := iam.ValidateTenantID(tenantID); err != nil {
		return 0, err
	}
	deleted := 0
	iter := s.client.Scan(ctx, 0, TenantPrefix(tenantID)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, fmt.Errorf("%w: redis del: %v", iam.ErrCacheUnavailable, err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: redis scan: %v", iam.ErrCacheUnavailable, err)
	}
	return deleted, nil
}

// Ping checks connectivity
func (s *Shared) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
