package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/logging"
)

const (
	opKeyPrefix  = "op:"
	banKeyPrefix = "ban:"
)

// PermissionCache кеширует проверки IsOp и IsBanned поверх основного
// хранилища прав. Изменения проходят в хранилище и инвалидируют ключ
// локально и на других серверах.
type PermissionCache struct {
	next        auth.PermissionStore
	store       Store
	invalidator Invalidator
	ttl         time.Duration
	logger      *logging.Logger

	hits          int64
	misses        int64
	errors        int64
	invalidations int64
}

type banEntry struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
}

// WrapPermissions оборачивает store кешем по конфигурации. При backend
// "none" возвращает store без изменений.
func WrapPermissions(next auth.PermissionStore, cfg config.PermissionCacheConfig, nodeID string) (auth.PermissionStore, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", "none":
		return next, nil
	case "memory":
		store, err = NewMemoryStore(0)
	case "redis":
		store, err = NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown permission cache backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	var inv Invalidator
	if cfg.NATSURL != "" {
		inv, err = NewNATSInvalidator(cfg.NATSURL, cfg.Subject, nodeID)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	pc, err := NewPermissionCache(next, store, inv, cfg.TTL)
	if err != nil {
		_ = store.Close()
		if inv != nil {
			_ = inv.Close()
		}
		return nil, err
	}
	return pc, nil
}

// NewPermissionCache создаёт кеш; invalidator может быть nil
func NewPermissionCache(next auth.PermissionStore, store Store, invalidator Invalidator, ttl time.Duration) (*PermissionCache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	pc := &PermissionCache{
		next:        next,
		store:       store,
		invalidator: invalidator,
		ttl:         ttl,
		logger:      logging.GetComponentLogger("cache"),
	}
	if invalidator != nil {
		err := invalidator.SubscribeInvalidations(func(key string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			atomic.AddInt64(&pc.invalidations, 1)
			return store.Delete(ctx, key)
		})
		if err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func opKey(username string) string  { return opKeyPrefix + strings.ToLower(username) }
func banKey(username string) string { return banKeyPrefix + strings.ToLower(username) }

// lookup читает ключ; ошибки хранилища кеша считаются промахом
func (pc *PermissionCache) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, err := pc.store.Get(ctx, key)
	switch {
	case err == nil:
		atomic.AddInt64(&pc.hits, 1)
		return data, true
	case IsCacheMiss(err):
		atomic.AddInt64(&pc.misses, 1)
	default:
		atomic.AddInt64(&pc.errors, 1)
		pc.logger.Warn("Ошибка чтения кеша %s: %v", key, err)
	}
	return nil, false
}

func (pc *PermissionCache) remember(ctx context.Context, key string, data []byte) {
	if err := pc.store.Set(ctx, key, data, pc.ttl); err != nil {
		atomic.AddInt64(&pc.errors, 1)
		pc.logger.Warn("Ошибка записи кеша %s: %v", key, err)
	}
}

// invalidate удаляет ключ локально и оповещает другие серверы
func (pc *PermissionCache) invalidate(ctx context.Context, key string) {
	if err := pc.store.Delete(ctx, key); err != nil {
		atomic.AddInt64(&pc.errors, 1)
		pc.logger.Warn("Ошибка удаления ключа кеша %s: %v", key, err)
	}
	if pc.invalidator == nil {
		return
	}
	if err := pc.invalidator.PublishInvalidation(ctx, key); err != nil {
		atomic.AddInt64(&pc.errors, 1)
		pc.logger.Warn("Ошибка рассылки инвалидации %s: %v", key, err)
	}
}

func (pc *PermissionCache) IsOp(ctx context.Context, username string) (bool, error) {
	key := opKey(username)
	if data, ok := pc.lookup(ctx, key); ok && len(data) == 1 {
		return data[0] == 1, nil
	}
	isOp, err := pc.next.IsOp(ctx, username)
	if err != nil {
		return false, err
	}
	var b byte
	if isOp {
		b = 1
	}
	pc.remember(ctx, key, []byte{b})
	return isOp, nil
}

func (pc *PermissionCache) IsBanned(ctx context.Context, username string) (bool, string, error) {
	key := banKey(username)
	if data, ok := pc.lookup(ctx, key); ok {
		var e banEntry
		if err := json.Unmarshal(data, &e); err == nil {
			return e.Banned, e.Reason, nil
		}
	}
	banned, reason, err := pc.next.IsBanned(ctx, username)
	if err != nil {
		return false, "", err
	}
	if data, err := json.Marshal(banEntry{Banned: banned, Reason: reason}); err == nil {
		pc.remember(ctx, key, data)
	}
	return banned, reason, nil
}

func (pc *PermissionCache) SetOp(ctx context.Context, username string, op bool) error {
	defer pc.invalidate(ctx, opKey(username))
	return pc.next.SetOp(ctx, username, op)
}

func (pc *PermissionCache) Ban(ctx context.Context, ban auth.Ban) error {
	defer pc.invalidate(ctx, banKey(ban.Username))
	return pc.next.Ban(ctx, ban)
}

func (pc *PermissionCache) Unban(ctx context.Context, username string) error {
	defer pc.invalidate(ctx, banKey(username))
	return pc.next.Unban(ctx, username)
}

func (pc *PermissionCache) Operators(ctx context.Context) ([]string, error) {
	return pc.next.Operators(ctx)
}

func (pc *PermissionCache) Bans(ctx context.Context) ([]auth.Ban, error) {
	return pc.next.Bans(ctx)
}

// Close закрывает инвалидатор, кеш и основное хранилище
func (pc *PermissionCache) Close() error {
	if pc.invalidator != nil {
		_ = pc.invalidator.Close()
	}
	_ = pc.store.Close()
	return pc.next.Close()
}

// Metrics возвращает снимок счётчиков
func (pc *PermissionCache) Metrics() Metrics {
	m := Metrics{
		Hits:          atomic.LoadInt64(&pc.hits),
		Misses:        atomic.LoadInt64(&pc.misses),
		Errors:        atomic.LoadInt64(&pc.errors),
		Invalidations: atomic.LoadInt64(&pc.invalidations),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRatio = float64(m.Hits) / float64(total)
	}
	return m
}
