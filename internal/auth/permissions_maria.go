package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/annel0/classic-server/internal/config"
)

// MariaPermissionStore реализует PermissionStore для MariaDB
type MariaPermissionStore struct {
	db *sql.DB
}

// NewMariaPermissionStore создает подключение к MariaDB и таблицу прав
func NewMariaPermissionStore(cfg config.MariaConfig) (*MariaPermissionStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	if cfg.Database == "" {
		cfg.Database = "classic"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть подключение к MariaDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	store := &MariaPermissionStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицы: %w", err)
	}
	return store, nil
}

// createTables создает таблицу прав, если ее нет
func (m *MariaPermissionStore) createTables() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS permissions (
		username VARCHAR(64) NOT NULL PRIMARY KEY,
		is_op BOOLEAN NOT NULL DEFAULT FALSE,
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		reason VARCHAR(255) NOT NULL DEFAULT '',
		banned_by VARCHAR(64) NOT NULL DEFAULT '',
		banned_at TIMESTAMP NULL,
		INDEX idx_op (is_op),
		INDEX idx_banned (banned)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`)
	return err
}

func (m *MariaPermissionStore) IsOp(ctx context.Context, username string) (bool, error) {
	var op bool
	err := m.db.QueryRowContext(ctx, `SELECT is_op FROM permissions WHERE username = ?`, normalize(username)).Scan(&op)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return op, err
}

func (m *MariaPermissionStore) IsBanned(ctx context.Context, username string) (bool, string, error) {
	var banned bool
	var reason string
	err := m.db.QueryRowContext(ctx, `SELECT banned, reason FROM permissions WHERE username = ?`, normalize(username)).Scan(&banned, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	return banned, reason, err
}

// affected возвращает ErrNotFound, если запрос не изменил ни одной строки
func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MariaPermissionStore) SetOp(ctx context.Context, username string, op bool) error {
	name := normalize(username)
	if op {
		_, err := m.db.ExecContext(ctx,
			`INSERT INTO permissions (username, is_op) VALUES (?, TRUE) ON DUPLICATE KEY UPDATE is_op = TRUE`, name)
		return err
	}
	return affected(m.db.ExecContext(ctx,
		`UPDATE permissions SET is_op = FALSE WHERE username = ? AND is_op = TRUE`, name))
}

func (m *MariaPermissionStore) Ban(ctx context.Context, ban Ban) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO permissions (username, banned, reason, banned_by, banned_at) VALUES (?, TRUE, ?, ?, ?)
		ON DUPLICATE KEY UPDATE banned = TRUE, reason = VALUES(reason), banned_by = VALUES(banned_by), banned_at = VALUES(banned_at)`,
		normalize(ban.Username), ban.Reason, ban.By, ban.At)
	return err
}

func (m *MariaPermissionStore) Unban(ctx context.Context, username string) error {
	return affected(m.db.ExecContext(ctx,
		`UPDATE permissions SET banned = FALSE, reason = '', banned_by = '', banned_at = NULL WHERE username = ? AND banned = TRUE`,
		normalize(username)))
}

func (m *MariaPermissionStore) Operators(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT username FROM permissions WHERE is_op = TRUE ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (m *MariaPermissionStore) Bans(ctx context.Context) ([]Ban, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT username, reason, banned_by, banned_at FROM permissions WHERE banned = TRUE ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ban
	for rows.Next() {
		var b Ban
		var at sql.NullTime
		if err := rows.Scan(&b.Username, &b.Reason, &b.By, &at); err != nil {
			return nil, err
		}
		b.At = at.Time
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close закрывает подключение к БД
func (m *MariaPermissionStore) Close() error {
	return m.db.Close()
}
