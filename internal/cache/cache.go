/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

var ErrMiss = errors.New("cache miss")

// Cache is a read-through cache for configuration that changes rarely
// (merchants, channels).
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get decodes the cached value into data and returns ErrMiss when absent.
	Get(ctx context.Context, key string, data interface{}) error
	// GetOrLoad fills data from the cache, calling load at most once per key
	// per process on a miss and storing the result.
	GetOrLoad(ctx context.Context, key string, data interface{}, ttl time.Duration, load func(ctx context.Context) (interface{}, error)) error
	Delete(ctx context.Context, key string) error
}

const (
	cacheSize     = 128000
	localCacheTTL = time.Minute
)

// RedisCache layers a TinyLFU in-process cache over Redis. With a nil client it
// runs on the local tier only.
type RedisCache struct {
	cache *cache.Cache
}

func NewCache(client redis.UniversalClient) *RedisCache {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(cacheSize, localCacheTTL),
	}
	if client != nil {
		opts.Redis = client
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return ErrMiss
	}
	return err
}

func (r *RedisCache) GetOrLoad(ctx context.Context, key string, data interface{}, ttl time.Duration, load func(ctx context.Context) (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
		Do: func(item *cache.Item) (interface{}, error) {
			return load(item.Context())
		},
	})
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
