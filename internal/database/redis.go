package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
)

// NewRedisClient creates and validates a Redis client connection.
func NewRedisClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().
		Str("addr", opt.Addr).
		Int("db", opt.DB).
		Int("pool_size", opt.PoolSize).
		Msg("Redis connected")

	return rdb, nil
}

// RedisHealth exposes the health probes the system handler needs.
type RedisHealth struct {
	rdb *redis.Client
}

// NewRedisHealth wraps rdb for health reporting.
func NewRedisHealth(rdb *redis.Client) *RedisHealth {
	return &RedisHealth{rdb: rdb}
}

// Ping checks the Redis connection.
func (h *RedisHealth) Ping(ctx context.Context) error {
	return h.rdb.Ping(ctx).Err()
}

// AnswerQueueLen returns the number of answers waiting to be persisted.
func (h *RedisHealth) AnswerQueueLen(ctx context.Context) (int64, error) {
	return h.rdb.LLen(ctx, config.WorkerKey.PersistAnswersQueue).Result()
}
