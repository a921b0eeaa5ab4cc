package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
)

// RedisStore keeps one hash per resource and kind, with the sub-key as field.
// Dropping every entry of a resource is a single DEL. When ttl is set, every
// field expires ttl after it was written (HEXPIRE, Redis 7.4 or later).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisStore(ctx context.Context, o RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", o.Addr, err)
	}
	return NewRedisStoreWithClient(client, o.Prefix, o.TTL), nil
}

func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) hashKey(resource string, kind cacheproxy.Kind) string {
	return r.prefix + kind.String() + ":" + resource
}

func (r *RedisStore) Get(ctx context.Context, key cacheproxy.Key) ([]byte, bool, error) {
	value, err := r.client.HGet(ctx, r.hashKey(key.Resource, key.Kind), key.SubKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key cacheproxy.Key, value []byte) error {
	hash := r.hashKey(key.Resource, key.Kind)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, hash, key.SubKey, value)
	if r.ttl > 0 {
		pipe.HExpire(ctx, hash, r.ttl, key.SubKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key cacheproxy.Key) error {
	if err := r.client.HDel(ctx, r.hashKey(key.Resource, key.Kind), key.SubKey).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) DeleteAll(ctx context.Context, resource string, kind cacheproxy.Kind) error {
	if err := r.client.Del(ctx, r.hashKey(resource, kind)).Err(); err != nil {
		return fmt.Errorf("redis delete all %s of %s: %w", kind, resource, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
