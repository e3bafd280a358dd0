// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("entity not found")
	ErrExists   = errors.New("entity already exists")
)

// Entity represents any storable entity with an ID
type Entity interface {
	GetID() string
}

// Open opens the badger database under dir, or an in-memory one when dir
// is empty. Badger's own logging is routed through logger at warn level.
func Open(dir string, logger *zap.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Sugar()}).WithLoggingLevel(badger.WARNING)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Infof(strings.TrimSpace(f), v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(strings.TrimSpace(f), v...) }

// BadgerStore keeps JSON encoded entities of one kind under a key prefix.
type BadgerStore[T Entity] struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore[T Entity](db *badger.DB, prefix string) *BadgerStore[T] {
	return &BadgerStore[T]{
		db:     db,
		prefix: prefix,
	}
}

func (s *BadgerStore[T]) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore[T]) Create(entity T) error {
	return s.write(entity, func(exists bool) error {
		if exists {
			return fmt.Errorf("%w: %s", ErrExists, entity.GetID())
		}
		return nil
	})
}

func (s *BadgerStore[T]) Update(entity T) error {
	return s.write(entity, func(exists bool) error {
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, entity.GetID())
		}
		return nil
	})
}

func (s *BadgerStore[T]) write(entity T, check func(exists bool) error) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}

	key := s.makeKey(entity.GetID())
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			if err := check(true); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := check(false); err != nil {
				return err
			}
		default:
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore[T]) Get(id string) (T, error) {
	var entity T
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entity, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entity, err
}

func (s *BadgerStore[T]) Delete(id string) error {
	key := s.makeKey(id)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		} else if err != nil {
			return err
		}

		return txn.Delete(key)
	})
}

// List returns every entity under the prefix in key order.
func (s *BadgerStore[T]) List() ([]T, error) {
	var out []T
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(s.prefix + ":")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entity T
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entity)
			})
			if err != nil {
				return err
			}
			out = append(out, entity)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	return out, nil
}
