package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/gremlinbot/internal/domain"
)

// RedisBackend stores JSON snapshots in Redis under chat:<id>:settings.
type RedisBackend struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBackend connects to Redis and checks the connection.
func NewRedisBackend(ctx context.Context, url string, ttl time.Duration) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBackend{rdb: rdb, ttl: ttl}, nil
}

func (r *RedisBackend) Get(ctx context.Context, chatID int64) (*domain.ChatSettings, bool, error) {
	data, err := r.rdb.Get(ctx, settingsKey(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s domain.ChatSettings
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, false, nil
	}
	return &s, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, settings domain.ChatSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	return r.rdb.Set(ctx, settingsKey(settings.ChatID), data, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, chatID int64) error {
	return r.rdb.Del(ctx, settingsKey(chatID)).Err()
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
