package auth

import (
	"context"
	"sort"
	"sync"
)

// MemoryPermissionStore is a threadsafe in-memory PermissionStore, used in
// tests and for servers without persistent moderation.
type MemoryPermissionStore struct {
	mu   sync.RWMutex
	ops  map[string]bool
	bans map[string]Ban
}

// NewMemoryPermissionStore returns an empty store.
func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{ops: make(map[string]bool), bans: make(map[string]Ban)}
}

func (s *MemoryPermissionStore) IsOp(_ context.Context, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops[normalize(username)], nil
}

func (s *MemoryPermissionStore) IsBanned(_ context.Context, username string) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ban, ok := s.bans[normalize(username)]
	return ok, ban.Reason, nil
}

func (s *MemoryPermissionStore) SetOp(_ context.Context, username string, op bool) error {
	key := normalize(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if op {
		s.ops[key] = true
		return nil
	}
	if !s.ops[key] {
		return ErrNotFound
	}
	delete(s.ops, key)
	return nil
}

func (s *MemoryPermissionStore) Ban(_ context.Context, ban Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ban.Username = normalize(ban.Username)
	s.bans[ban.Username] = ban
	return nil
}

func (s *MemoryPermissionStore) Unban(_ context.Context, username string) error {
	key := normalize(username)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bans[key]; !ok {
		return ErrNotFound
	}
	delete(s.bans, key)
	return nil
}

func (s *MemoryPermissionStore) Operators(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ops))
	for name := range s.ops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryPermissionStore) Bans(context.Context) ([]Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ban, 0, len(s.bans))
	for _, b := range s.bans {
		out = append(out, b)
	}
	sortBans(out)
	return out, nil
}

func (s *MemoryPermissionStore) Close() error { return nil }

func sortBans(bans []Ban) {
	sort.Slice(bans, func(i, j int) bool { return bans[i].Username < bans[j].Username })
}
