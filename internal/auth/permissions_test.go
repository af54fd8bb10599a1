package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/classic-server/internal/config"
)

// testPermissionStore проверяет общий контракт хранилища прав
func testPermissionStore(t *testing.T, store PermissionStore) {
	ctx := context.Background()

	op, err := store.IsOp(ctx, "Alice")
	require.NoError(t, err)
	assert.False(t, op)

	require.NoError(t, store.SetOp(ctx, "Alice", true))
	op, err = store.IsOp(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, op, "имена без учёта регистра")

	assert.ErrorIs(t, store.SetOp(ctx, "bob", false), ErrNotFound)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Ban(ctx, Ban{Username: "Griefer", Reason: "tnt", By: "alice", At: at}))
	banned, reason, err := store.IsBanned(ctx, "griefer")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "tnt", reason)

	bans, err := store.Bans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "griefer", bans[0].Username)
	assert.True(t, at.Equal(bans[0].At))

	ops, err := store.Operators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ops)

	require.NoError(t, store.Unban(ctx, "GRIEFER"))
	assert.ErrorIs(t, store.Unban(ctx, "griefer"), ErrNotFound)
	banned, _, err = store.IsBanned(ctx, "griefer")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, store.SetOp(ctx, "alice", false))
	ops, err = store.Operators(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMemoryPermissionStore(t *testing.T) {
	testPermissionStore(t, NewMemoryPermissionStore())
}

func TestBadgerPermissionStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "perms")
	store, err := NewBadgerPermissionStore(dir)
	require.NoError(t, err)
	testPermissionStore(t, store)

	// Данные переживают переоткрытие
	ctx := context.Background()
	require.NoError(t, store.Ban(ctx, Ban{Username: "x", Reason: "r"}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerPermissionStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	banned, reason, err := reopened.IsBanned(ctx, "X")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, "r", reason)
}

func TestNewPermissionStore_SeedsOperators(t *testing.T) {
	store, err := NewPermissionStore(config.PermissionsConfig{Backend: "memory", Operators: []string{"Root"}})
	require.NoError(t, err)
	defer store.Close()

	op, err := store.IsOp(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, op)

	_, err = NewPermissionStore(config.PermissionsConfig{Backend: "ldap"})
	assert.Error(t, err)
}

func TestAuthenticator_Login(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	repo, err := NewMemoryUserRepo([]config.AdminUser{{Username: "Admin", PasswordHash: hash}})
	require.NoError(t, err)
	tokens, err := NewTokenManager("", time.Hour)
	require.NoError(t, err)
	a := NewAuthenticator(repo, tokens)

	token, user, err := a.Login("admin", "s3cret")
	require.NoError(t, err)
	assert.True(t, user.IsAdmin)
	claims, err := a.Tokens().Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "Admin", claims.Username)

	_, _, err = a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Login("nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = NewMemoryUserRepo([]config.AdminUser{{Username: "a"}, {Username: "A"}})
	assert.ErrorIs(t, err, ErrUserExists)
}
