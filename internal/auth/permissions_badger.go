package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

const (
	opPrefix  = "op:"
	banPrefix = "ban:"
)

// BadgerPermissionStore persists operators and bans in an embedded BadgerDB.
// Keys: "op:<name>" (empty value) and "ban:<name>" (JSON encoded Ban).
type BadgerPermissionStore struct {
	db *badger.DB
}

// NewBadgerPermissionStore opens (or creates) the database at path.
func NewBadgerPermissionStore(path string) (*BadgerPermissionStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // BadgerDB logs are too noisy for the server log

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerPermissionStore{db: db}, nil
}

func (s *BadgerPermissionStore) exists(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerPermissionStore) IsOp(_ context.Context, username string) (bool, error) {
	return s.exists(opPrefix + normalize(username))
}

func (s *BadgerPermissionStore) IsBanned(_ context.Context, username string) (bool, string, error) {
	var ban Ban
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(banPrefix + normalize(username)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ban)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, ban.Reason, nil
}

// remove deletes key, failing with ErrNotFound if it is absent
func (s *BadgerPermissionStore) remove(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerPermissionStore) SetOp(_ context.Context, username string, op bool) error {
	key := opPrefix + normalize(username)
	if !op {
		return s.remove(key)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte{})
	})
}

func (s *BadgerPermissionStore) Ban(_ context.Context, ban Ban) error {
	ban.Username = normalize(ban.Username)
	data, err := json.Marshal(ban)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(banPrefix+ban.Username), data)
	})
}

func (s *BadgerPermissionStore) Unban(_ context.Context, username string) error {
	return s.remove(banPrefix + normalize(username))
}

// scan calls fn for every key with the prefix
func (s *BadgerPermissionStore) scan(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(p):])
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerPermissionStore) Operators(context.Context) ([]string, error) {
	var out []string
	err := s.scan(opPrefix, func(key string, _ []byte) error {
		out = append(out, key)
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (s *BadgerPermissionStore) Bans(context.Context) ([]Ban, error) {
	var out []Ban
	err := s.scan(banPrefix, func(_ string, val []byte) error {
		var b Ban
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	sortBans(out)
	return out, err
}

// Close flushes and closes the database
func (s *BadgerPermissionStore) Close() error {
	return s.db.Close()
}
