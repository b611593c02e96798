package blocking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding the blocked targets.
const DefaultRedisKey = "rdss-dataverse-ingest:blocked-targets"

// redisClient is the subset of *redis.Client used by RedisRegistry.
type redisClient interface {
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisRegistry shares the blocked targets between processes through a
// Redis hash. HSETNX and HDEL make Block and Unblock atomic.
type RedisRegistry struct {
	client redisClient
	key    string
	now    func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client redisClient, key string) *RedisRegistry {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRegistry{client: client, key: key, now: time.Now}
}

// NewRedisClient connects to the Redis server at addr.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

type redisEntry struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

func (r *RedisRegistry) Block(ctx context.Context, target, reason string) error {
	data, err := json.Marshal(redisEntry{Reason: reason, Since: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	ok, err := r.client.HSetNX(ctx, r.key, target, data).Result()
	if err != nil {
		return fmt.Errorf("failed to block target: %w", err)
	}
	if !ok {
		return &TargetAlreadyBlockedError{Target: target}
	}
	return nil
}

func (r *RedisRegistry) Unblock(ctx context.Context, target string) error {
	n, err := r.client.HDel(ctx, r.key, target).Result()
	if err != nil {
		return fmt.Errorf("failed to unblock target: %w", err)
	}
	if n == 0 {
		return &TargetNotFoundError{Target: target}
	}
	return nil
}

func (r *RedisRegistry) IsBlocked(ctx context.Context, target string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.key, target).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read target: %w", err)
	}
	return ok, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]Entry, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	entries := make([]Entry, 0, len(all))
	for target, data := range all {
		var e redisEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			// Entries written by hand only carry the reason.
			e.Reason = data
		}
		entries = append(entries, Entry{Target: target, Reason: e.Reason, Since: e.Since})
	}
	sortEntries(entries)
	return entries, nil
}
