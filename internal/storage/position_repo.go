package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/vec"
)

// PositionKey ключ сохранённой позиции: игрок в конкретном мире.
// Имя игрока хранится в нижнем регистре.
type PositionKey struct {
	Username string
	World    string
}

// KeyFor строит ключ позиции с нормализованным именем
func KeyFor(username, world string) PositionKey {
	return PositionKey{Username: strings.ToLower(username), World: world}
}

// String форматирует ключ как "<username>:<world>"
func (k PositionKey) String() string {
	return k.Username + ":" + k.World
}

// PositionRepo сохраняет последние позиции игроков в мирах, чтобы при
// повторном входе игрок появлялся там, где вышел.
type PositionRepo interface {
	// Save сохраняет позицию игрока в мире
	Save(ctx context.Context, key PositionKey, loc vec.Location) error

	// Load возвращает позицию; false означает первый вход в мир
	Load(ctx context.Context, key PositionKey) (vec.Location, bool, error)

	// Delete удаляет сохранённую позицию
	Delete(ctx context.Context, key PositionKey) error

	// BatchSave сохраняет позиции нескольких игроков (остановка сервера)
	BatchSave(ctx context.Context, positions map[PositionKey]vec.Location) error

	Close() error
}

// NewPositionRepo создаёт хранилище позиций по конфигурации.
// Для backend "none" возвращает nil: позиции не сохраняются.
func NewPositionRepo(cfg config.PositionsConfig) (PositionRepo, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "", "memory":
		return NewMemoryPositionRepo(), nil
	case "redis":
		repo, err := NewRedisPositionRepo(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("неизвестное хранилище позиций %q", cfg.Backend)
	}
}
