package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/classic-server/internal/config"
	"github.com/annel0/classic-server/internal/logging"
	"github.com/annel0/classic-server/internal/vec"
)

// RedisPositionRepo хранит позиции игроков в Redis.
// Ключ: <prefix><username>:<world>, значение: JSON, срок жизни TTL.
type RedisPositionRepo struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// storedPosition запись позиции в Redis
type storedPosition struct {
	X         int32     `json:"x"`
	Y         int32     `json:"y"`
	Z         int32     `json:"z"`
	Yaw       uint8     `json:"yaw"`
	Pitch     uint8     `json:"pitch"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRedisPositionRepo подключается к Redis и проверяет соединение
func NewRedisPositionRepo(cfg config.RedisConfig) (*RedisPositionRepo, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetStorageLogger().Info("Подключено к Redis %s", cfg.Addr)
	return NewRedisPositionRepoWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisPositionRepoWithClient создаёт репозиторий поверх готового клиента
func NewRedisPositionRepoWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisPositionRepo {
	return &RedisPositionRepo{client: client, keyPrefix: prefix, ttl: ttl}
}

func (r *RedisPositionRepo) key(k PositionKey) string {
	return r.keyPrefix + k.String()
}

func encodePosition(loc vec.Location) ([]byte, error) {
	return json.Marshal(storedPosition{
		X: loc.X, Y: loc.Y, Z: loc.Z, Yaw: loc.Yaw, Pitch: loc.Pitch,
		UpdatedAt: time.Now().UTC(),
	})
}

// Save сохраняет позицию игрока
func (r *RedisPositionRepo) Save(ctx context.Context, key PositionKey, loc vec.Location) error {
	data, err := encodePosition(loc)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), data, r.ttl).Err()
}

// Load загружает позицию игрока
func (r *RedisPositionRepo) Load(ctx context.Context, key PositionKey) (vec.Location, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return vec.Location{}, false, nil
	}
	if err != nil {
		return vec.Location{}, false, err
	}
	var p storedPosition
	if err := json.Unmarshal(data, &p); err != nil {
		return vec.Location{}, false, fmt.Errorf("decode position %s: %w", key, err)
	}
	return vec.Location{X: p.X, Y: p.Y, Z: p.Z, Yaw: p.Yaw, Pitch: p.Pitch}, true, nil
}

// Delete удаляет позицию игрока
func (r *RedisPositionRepo) Delete(ctx context.Context, key PositionKey) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// BatchSave записывает позиции одним pipeline
func (r *RedisPositionRepo) BatchSave(ctx context.Context, positions map[PositionKey]vec.Location) error {
	if len(positions) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for k, loc := range positions {
		data, err := encodePosition(loc)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.key(k), data, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close закрывает клиент Redis
func (r *RedisPositionRepo) Close() error {
	return r.client.Close()
}
