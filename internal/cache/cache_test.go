package cache

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/auth"
	"github.com/annel0/classic-server/internal/config"
)

var _ auth.PermissionStore = (*PermissionCache)(nil)

// countingStore считает обращения к основному хранилищу
type countingStore struct {
	auth.PermissionStore
	opLookups  int
	banLookups int
}

func (c *countingStore) IsOp(ctx context.Context, name string) (bool, error) {
	c.opLookups++
	return c.PermissionStore.IsOp(ctx, name)
}

func (c *countingStore) IsBanned(ctx context.Context, name string) (bool, string, error) {
	c.banLookups++
	return c.PermissionStore.IsBanned(ctx, name)
}

// busInvalidator доставляет инвалидации остальным узлам в памяти
type busInvalidator struct {
	bus     *invalidationBus
	handler InvalidationHandler
}

type invalidationBus struct {
	mu    sync.Mutex
	nodes []*busInvalidator
}

func (b *invalidationBus) node() *busInvalidator {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := &busInvalidator{bus: b}
	b.nodes = append(b.nodes, n)
	return n
}

func (n *busInvalidator) PublishInvalidation(_ context.Context, key string) error {
	n.bus.mu.Lock()
	peers := append([]*busInvalidator(nil), n.bus.nodes...)
	n.bus.mu.Unlock()
	for _, p := range peers {
		if p != n && p.handler != nil {
			_ = p.handler(key)
		}
	}
	return nil
}

func (n *busInvalidator) SubscribeInvalidations(h InvalidationHandler) error {
	n.handler = h
	return nil
}

func (n *busInvalidator) Close() error { return nil }

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(100)
	require.NoError(t, err)
	return s
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	defer s.Close()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestPermissionCache_CachesLookups(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{PermissionStore: auth.NewMemoryPermissionStore()}
	require.NoError(t, backing.SetOp(ctx, "Alice", true))

	pc, err := NewPermissionCache(backing, newMemoryStore(t), nil, time.Minute)
	require.NoError(t, err)
	defer pc.Close()

	for i := 0; i < 3; i++ {
		isOp, err := pc.IsOp(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, isOp)
		banned, _, err := pc.IsBanned(ctx, "ALICE")
		require.NoError(t, err)
		assert.False(t, banned)
	}
	assert.Equal(t, 1, backing.opLookups)
	assert.Equal(t, 1, backing.banLookups)

	m := pc.Metrics()
	assert.EqualValues(t, 4, m.Hits)
	assert.EqualValues(t, 2, m.Misses)
	assert.InDelta(t, 4.0/6.0, m.HitRatio, 0.001)
}

func TestPermissionCache_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{PermissionStore: auth.NewMemoryPermissionStore()}
	pc, err := NewPermissionCache(backing, newMemoryStore(t), nil, time.Minute)
	require.NoError(t, err)

	banned, _, err := pc.IsBanned(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, pc.Ban(ctx, auth.Ban{Username: "Bob", Reason: "grief", By: "admin", At: time.Now()}))
	banned, reason, err := pc.IsBanned(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "grief", reason)

	require.NoError(t, pc.Unban(ctx, "bob"))
	banned, _, err = pc.IsBanned(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, banned)

	assert.ErrorIs(t, pc.Unban(ctx, "bob"), auth.ErrNotFound)

	require.NoError(t, pc.SetOp(ctx, "bob", true))
	isOp, err := pc.IsOp(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, isOp)

	bans, err := pc.Bans(ctx)
	require.NoError(t, err)
	assert.Empty(t, bans)
	ops, err := pc.Operators(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestPermissionCache_InvalidatesPeers(t *testing.T) {
	ctx := context.Background()
	shared := auth.NewMemoryPermissionStore()
	bus := &invalidationBus{}

	a, err := NewPermissionCache(shared, newMemoryStore(t), bus.node(), time.Minute)
	require.NoError(t, err)
	b, err := NewPermissionCache(shared, newMemoryStore(t), bus.node(), time.Minute)
	require.NoError(t, err)

	banned, _, err := b.IsBanned(ctx, "carol")
	require.NoError(t, err)
	require.False(t, banned)

	require.NoError(t, a.Ban(ctx, auth.Ban{Username: "carol", Reason: "spam", By: "admin", At: time.Now()}))

	banned, reason, err := b.IsBanned(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "spam", reason)
	assert.EqualValues(t, 1, b.Metrics().Invalidations)
}

func TestWrapPermissions(t *testing.T) {
	store := auth.NewMemoryPermissionStore()

	same, err := WrapPermissions(store, config.PermissionCacheConfig{Backend: "none"}, "node")
	require.NoError(t, err)
	assert.Same(t, store, same)

	wrapped, err := WrapPermissions(store, config.PermissionCacheConfig{Backend: "memory", TTL: time.Minute}, "node")
	require.NoError(t, err)
	assert.IsType(t, &PermissionCache{}, wrapped)

	_, err = WrapPermissions(store, config.PermissionCacheConfig{Backend: "memcached"}, "node")
	assert.Error(t, err)
}

func TestNATSInvalidator_HandleMessage(t *testing.T) {
	inv := newNATSInvalidator(nil, defaultInvalidationSubject, "node-a")
	var got []string
	inv.handler = func(key string) error {
		got = append(got, key)
		return nil
	}

	deliver := func(node, key string) {
		data, err := json.Marshal(InvalidationMessage{Key: key, NodeID: node, Timestamp: time.Now()})
		require.NoError(t, err)
		inv.handleInvalidationMessage(&nats.Msg{Subject: defaultInvalidationSubject, Data: data})
	}
	deliver("node-b", "ban:carol")
	deliver("node-a", "ban:self")
	inv.handleInvalidationMessage(&nats.Msg{Data: []byte("{broken")})

	assert.Equal(t, []string{"ban:carol"}, got)
	published, received, errs := inv.Stats()
	assert.Zero(t, published)
	assert.EqualValues(t, 3, received)
	assert.EqualValues(t, 1, errs)
	require.NoError(t, inv.Close())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CLASSIC_TEST_REDIS")
	if addr == "" {
		t.Skip("CLASSIC_TEST_REDIS не задан")
	}
	s, err := NewRedisStore(config.RedisConfig{Addr: addr, KeyPrefix: "classic:test:cache:"})
	if err != nil {
		t.Skipf("Redis недоступен: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}
