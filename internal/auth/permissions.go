package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/annel0/classic-server/internal/config"
)

// ErrNotFound is returned when removing an operator or ban that does not exist.
var ErrNotFound = errors.New("auth: entry not found")

// Ban describes a banned player.
type Ban struct {
	Username string    `json:"username" bson:"username"`
	Reason   string    `json:"reason" bson:"reason"`
	By       string    `json:"by" bson:"by"`
	At       time.Time `json:"at" bson:"at"`
}

// PermissionStore keeps operator and ban lists keyed by case-insensitive
// username. It is consulted at login and by the command surface.
type PermissionStore interface {
	IsOp(ctx context.Context, username string) (bool, error)
	IsBanned(ctx context.Context, username string) (bool, string, error)

	// SetOp grants or revokes operator status. Revoking a non-operator
	// returns ErrNotFound.
	SetOp(ctx context.Context, username string, op bool) error
	Ban(ctx context.Context, ban Ban) error
	// Unban returns ErrNotFound when the player is not banned.
	Unban(ctx context.Context, username string) error

	Operators(ctx context.Context) ([]string, error)
	Bans(ctx context.Context) ([]Ban, error)
	Close() error
}

// NewPermissionStore opens the configured backend and grants operator status
// to the configured operators.
func NewPermissionStore(cfg config.PermissionsConfig) (PermissionStore, error) {
	var (
		store PermissionStore
		err   error
	)
	switch cfg.Backend {
	case "", "memory":
		store = NewMemoryPermissionStore()
	case "badger":
		store, err = NewBadgerPermissionStore(cfg.Path)
	case "mongo":
		store, err = NewMongoPermissionStore(cfg.Mongo)
	case "maria":
		store, err = NewMariaPermissionStore(cfg.Maria)
	default:
		err = fmt.Errorf("unknown permission backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range cfg.Operators {
		if err := store.SetOp(ctx, name, true); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed operator %s: %w", name, err)
		}
	}
	return store, nil
}
