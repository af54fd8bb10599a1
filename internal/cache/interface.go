package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss ключ отсутствует в кеше или истёк
var ErrCacheMiss = errors.New("cache miss")

// Store байтовое хранилище с TTL.
type Store interface {
	// Get возвращает значение или ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Invalidator рассылает инвалидацию ключей другим серверам.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
	// SubscribeInvalidations вызывает handler для ключей, инвалидированных
	// другими узлами. Собственные сообщения не доставляются.
	SubscribeInvalidations(handler InvalidationHandler) error
	Close() error
}

// InvalidationHandler обработчик входящей инвалидации
type InvalidationHandler func(key string) error

// Metrics счётчики обращений к кешу
type Metrics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Errors        int64   `json:"errors"`
	Invalidations int64   `json:"invalidations"`
	HitRatio      float64 `json:"hit_ratio"`
}

// IsCacheMiss проверяет, что ошибка означает промах
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
