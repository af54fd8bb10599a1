package storage

import (
	"context"
	"sync"

	"github.com/annel0/classic-server/internal/vec"
)

// MemoryPositionRepo хранит позиции в памяти процесса.
// Позиции теряются при перезапуске сервера.
type MemoryPositionRepo struct {
	mu        sync.RWMutex
	positions map[PositionKey]vec.Location
}

// NewMemoryPositionRepo создаёт пустой репозиторий
func NewMemoryPositionRepo() *MemoryPositionRepo {
	return &MemoryPositionRepo{positions: make(map[PositionKey]vec.Location)}
}

// Save сохраняет позицию игрока
func (r *MemoryPositionRepo) Save(ctx context.Context, key PositionKey, loc vec.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.positions[key] = loc
	r.mu.Unlock()
	return nil
}

// Load загружает позицию игрока
func (r *MemoryPositionRepo) Load(ctx context.Context, key PositionKey) (vec.Location, bool, error) {
	if err := ctx.Err(); err != nil {
		return vec.Location{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.positions[key]
	return loc, ok, nil
}

// Delete удаляет позицию игрока
func (r *MemoryPositionRepo) Delete(ctx context.Context, key PositionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.positions, key)
	r.mu.Unlock()
	return nil
}

// BatchSave сохраняет несколько позиций под одной блокировкой
func (r *MemoryPositionRepo) BatchSave(ctx context.Context, positions map[PositionKey]vec.Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	for k, loc := range positions {
		r.positions[k] = loc
	}
	r.mu.Unlock()
	return nil
}

// Len возвращает число сохранённых позиций
func (r *MemoryPositionRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// Close ничего не делает
func (r *MemoryPositionRepo) Close() error { return nil }
