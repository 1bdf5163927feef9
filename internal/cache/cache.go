// Package cache keeps recently fetched calendar events in Redis so the public site does
// not hit the Google API on every page view.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"churchcal/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "churchcal:events:"

// ErrMiss is returned by Store.Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store abstracts the cache backend.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// NewRedis returns a connected Redis client.
func NewRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return client, nil
}

// RedisStore stores JSON values in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves and unmarshals the cached value into dest.
func (r *RedisStore) Get(ctx context.Context, key string, dest any) error {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("unmarshal cache value for %s: %w", key, err)
	}
	return nil
}

// Set marshals value and stores it with ttl.
func (r *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}

	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// DeleteByPattern removes cached entries matching pattern.
func (r *RedisStore) DeleteByPattern(ctx context.Context, pattern string) error {
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis delete %s: %w", key, err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan pattern %s: %w", pattern, err)
	}
	return nil
}

// Recorder counts cache hits and misses.
type Recorder interface {
	CacheLookup(hit bool)
}

// EventCache is a read-through cache of fetched events. A nil *EventCache, or one without
// a store, always loads.
type EventCache struct {
	store    Store
	ttl      time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// NewEventCache creates an event cache. recorder may be nil.
func NewEventCache(store Store, ttl time.Duration, logger *slog.Logger, recorder Recorder) *EventCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventCache{store: store, ttl: ttl, logger: logger, recorder: recorder}
}

// Key builds the cache key for one fetch of calendarID.
func Key(calendarID string, days int, maxResults int64) string {
	return fmt.Sprintf("%s%s:%d:%d", keyPrefix, calendarID, days, maxResults)
}

// Events returns the cached events for key or calls load and caches its result.
// Cache failures are logged and never fail the request.
func (c *EventCache) Events(ctx context.Context, key string, load func(context.Context) ([]*models.Event, error)) ([]*models.Event, error) {
	if c == nil || c.store == nil {
		return load(ctx)
	}

	var cached []*models.Event
	err := c.store.Get(ctx, key, &cached)
	switch {
	case err == nil:
		c.record(true)
		return cached, nil
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("cache get failed", "key", key, "error", err)
	}
	c.record(false)

	events, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, events, c.ttl); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
	return events, nil
}

// Invalidate drops every cached fetch of calendarID.
func (c *EventCache) Invalidate(ctx context.Context, calendarID string) {
	if c == nil || c.store == nil {
		return
	}
	pattern := keyPrefix + calendarID + ":*"
	if err := c.store.DeleteByPattern(ctx, pattern); err != nil {
		c.logger.Warn("cache invalidate failed", "pattern", pattern, "error", err)
	}
}

func (c *EventCache) record(hit bool) {
	if c.recorder != nil {
		c.recorder.CacheLookup(hit)
	}
}
