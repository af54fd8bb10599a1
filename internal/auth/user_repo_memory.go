package auth

import (
	"strings"
	"sync"

	"github.com/annel0/classic-server/internal/config"
)

// MemoryUserRepo is a threadsafe in-memory account storage filled from the
// admin section of the configuration.
type MemoryUserRepo struct {
	mu    sync.RWMutex
	users map[string]*User // key = lowercase(username)
}

// NewMemoryUserRepo returns a repository holding the configured accounts.
// Every configured account is an administrator.
func NewMemoryUserRepo(accounts []config.AdminUser) (*MemoryUserRepo, error) {
	repo := &MemoryUserRepo{users: make(map[string]*User)}
	for _, a := range accounts {
		if _, err := repo.CreateUser(a.Username, a.PasswordHash, true); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// GetUserByUsername retrieves user by case-insensitive username.
func (r *MemoryUserRepo) GetUserByUsername(username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[normalize(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// CreateUser inserts a new user if username not present.
// Caller is expected to pass a bcrypt-hashed password.
func (r *MemoryUserRepo) CreateUser(username string, passwordHash string, isAdmin bool) (*User, error) {
	key := normalize(username)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[key]; exists {
		return nil, ErrUserExists
	}
	user := &User{Username: username, PasswordHash: passwordHash, IsAdmin: isAdmin}
	r.users[key] = user
	return user, nil
}

// ValidateCredentials checks the password against the stored bcrypt hash.
// Unknown users and wrong passwords produce the same error.
func (r *MemoryUserRepo) ValidateCredentials(username, password string) (*User, error) {
	user, err := r.GetUserByUsername(username)
	if err != nil || !CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Helper to normalise usernames.
func normalize(username string) string {
	return strings.ToLower(username)
}
