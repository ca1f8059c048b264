// Package dedupe быстрый отсев повторных callback до обращения к базе.
// Источник истины остается в хранилище: кэш только экономит транзакцию на дублях.
package dedupe

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "payment-event:"
	ttl       = 24 * time.Hour
)

type Cache interface {
	// Seen событие уже было применено
	Seen(ctx context.Context, key string) bool
	// Mark запоминает примененное событие
	Mark(ctx context.Context, key string)
}

type noop struct{}

func NewNoop() Cache {
	return noop{}
}

func (noop) Seen(context.Context, string) bool { return false }
func (noop) Mark(context.Context, string)      {}

type redisCache struct {
	rdb    *redis.Client
	zaplog *zap.Logger
}

// NewRedis подключается к redis. Ошибки кэша не мешают обработке: событие идет в базу.
func NewRedis(ctx context.Context, addr string, zaplog *zap.Logger) (Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &redisCache{rdb: rdb, zaplog: zaplog}, nil
}

func (c *redisCache) Seen(ctx context.Context, key string) bool {
	err := c.rdb.Get(ctx, keyPrefix+key).Err()
	if err == nil {
		return true
	}
	if !errors.Is(err, redis.Nil) {
		c.zaplog.Warn("dedupe cache read failed", zap.Error(err))
	}
	return false
}

func (c *redisCache) Mark(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, keyPrefix+key, 1, ttl).Err(); err != nil {
		c.zaplog.Warn("dedupe cache write failed", zap.Error(err))
	}
}
