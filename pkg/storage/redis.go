package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "vigil:snapshot:"
	stateKeyPrefix    = "vigil:state:"
)

// RedisStore implements Store and StateStore on Redis, so several detector
// or API instances can share snapshots and fitted models.
//
// Snapshots expire after the configured TTL. Persisted state does not expire.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
}

// NewRedisStore connects to Redis and verifies the connection.
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string for no auth)
//   - db: Redis database number (typically 0)
//   - ttl: Snapshot expiration duration (0 uses default of 30 minutes)
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	if ttl == 0 {
		ttl = 30 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

// Put stores a snapshot under "vigil:snapshot:<stream>" with the store TTL.
func (r *RedisStore) Put(ctx context.Context, s Snapshot) error {
	if err := ValidateStreamName(s.Stream); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, snapshotKeyPrefix+s.Stream, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot in redis: %w", err)
	}

	return nil
}

// GetLatest retrieves the latest snapshot for a stream. A missing key is
// reported as found == false with a nil error.
func (r *RedisStore) GetLatest(ctx context.Context, stream string) (Snapshot, bool, error) {
	if stream == "" {
		return Snapshot{}, false, errors.New("stream name required")
	}

	data, err := r.client.Get(ctx, snapshotKeyPrefix+stream).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return snapshot, true, nil
}

// SaveState stores encoded detector state under "vigil:state:<stream>".
func (r *RedisStore) SaveState(ctx context.Context, stream string, data []byte) error {
	if err := ValidateStreamName(stream); err != nil {
		return err
	}
	if err := r.client.Set(ctx, stateKeyPrefix+stream, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store state in redis: %w", err)
	}
	return nil
}

// LoadState retrieves encoded detector state for a stream.
func (r *RedisStore) LoadState(ctx context.Context, stream string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, stateKeyPrefix+stream).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get state from redis: %w", err)
	}
	return data, true, nil
}

// Close closes the Redis client connection. It is safe to call more than once.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}

	return err
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
