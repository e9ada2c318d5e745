package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheMichaelB/tresor/internal/config"
)

const keyPrefix = "tresor:session:"

// popScript reads and deletes a hash field atomically.
var popScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if v then
    redis.call('HDEL', KEYS[1], ARGV[1])
end
return v
`)

// RedisStore keeps each session in one hash that expires ttl after its
// last write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the configured server.
func NewRedisStore(ctx context.Context, cfg config.SessionConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, sid, key string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, keyPrefix+sid, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session value: %w", err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, sid, key string, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyPrefix+sid, key, value)
	if r.ttl > 0 {
		pipe.Expire(ctx, keyPrefix+sid, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sid, key string) error {
	if err := r.client.HDel(ctx, keyPrefix+sid, key).Err(); err != nil {
		return fmt.Errorf("delete session value: %w", err)
	}
	return nil
}

func (r *RedisStore) Pop(ctx context.Context, sid, key string) ([]byte, bool, error) {
	res, err := popScript.Run(ctx, r.client, []string{keyPrefix + sid}, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop session value: %w", err)
	}
	s, ok := res.(string)
	if !ok {
		return nil, false, fmt.Errorf("pop session value: unexpected reply %T", res)
	}
	return []byte(s), true, nil
}

func (r *RedisStore) Clear(ctx context.Context, sid string) error {
	if err := r.client.Del(ctx, keyPrefix+sid).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
