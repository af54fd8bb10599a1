package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// MemoryStore локальный кеш процесса поверх ristretto
type MemoryStore struct {
	cache *ristretto.Cache
}

// NewMemoryStore создаёт локальный кеш примерно на maxEntries записей
func NewMemoryStore(maxEntries int64) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

// Get возвращает копию значения
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set сохраняет значение. Запись становится видимой после обработки буфера ristretto.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)
	m.cache.SetWithTTL(key, data, 1, ttl)
	m.cache.Wait()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.cache.Del(key)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.cache.Close()
	return nil
}
