package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobSnapshot is the cached view of a ledger row served to status pollers.
// Postgres stays authoritative; a missing snapshot means "ask the store".
type JobSnapshot struct {
	JobID        uuid.UUID `json:"job_id"`
	JobKey       string    `json:"job_key"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	PutJobSnapshot(ctx context.Context, tenantID uuid.UUID, snap JobSnapshot, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error)
	GetJobSnapshotByKey(ctx context.Context, tenantID uuid.UUID, jobKey string) (*JobSnapshot, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// PutJobSnapshot writes the snapshot under both the job id and the job key.
func (c *RedisCache) PutJobSnapshot(ctx context.Context, tenantID uuid.UUID, snap JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, JobStatusKey(snap.JobID), data, ttl)
	pipe.Set(ctx, JobKeyStatusKey(tenantID, snap.JobKey), data, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error) {
	return c.getSnapshot(ctx, JobStatusKey(jobID))
}

func (c *RedisCache) GetJobSnapshotByKey(ctx context.Context, tenantID uuid.UUID, jobKey string) (*JobSnapshot, bool, error) {
	return c.getSnapshot(ctx, JobKeyStatusKey(tenantID, jobKey))
}

func (c *RedisCache) getSnapshot(ctx context.Context, key string) (*JobSnapshot, bool, error) {
	data, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode job snapshot: %w", err)
	}
	return &snap, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
