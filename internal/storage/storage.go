// Package storage contains the cache backends behind the cache proxy.
package storage

import (
	"context"
	"fmt"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/config"
)

var (
	_ cacheproxy.Backend = (*MemoryStore)(nil)
	_ cacheproxy.Backend = (*SQLiteStore)(nil)
	_ cacheproxy.Backend = (*RedisStore)(nil)
	_ cacheproxy.Backend = (*S3Store)(nil)

	_ cacheproxy.Expirer = (*MemoryStore)(nil)
	_ cacheproxy.Expirer = (*SQLiteStore)(nil)
	_ cacheproxy.Expirer = (*S3Store)(nil)
)

// Open creates the backend selected in the configuration. It returns nil
// without error when caching is disabled.
func Open(ctx context.Context, cfg *config.Config) (cacheproxy.Backend, error) {
	switch cfg.CacheBackend {
	case config.BackendNull, "":
		return nil, nil
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendSQLite:
		store, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store, err := NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendS3:
		store, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
