// Package badgerstore implements storage.Adapter on top of BadgerDB v4.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/storage"
)

// Options configures the BadgerDB adapter.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger warnings and errors. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Store is a storage.Adapter backed by BadgerDB.
type Store struct {
	opts Options

	mu sync.RWMutex
	db *badger.DB
}

// New creates an unopened Store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{opts: opts}
}

// Factory returns a storage.Factory producing Stores with the given options.
func Factory(optFns ...func(o *Options)) storage.Factory {
	return func(context.Context) (storage.Adapter, error) {
		return New(optFns...), nil
	}
}

func (s *Store) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if !s.opts.InMemory && s.opts.Dir == "" {
		return errors.New("badgerstore: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(s.opts.Dir)
	if s.opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger: logging.OrNoOp(s.opts.Logger)})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Store) handle() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	return s.db, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	return val, err
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *Store) Delete(_ context.Context, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	p := []byte(prefix)
	keys := make([]string, 0)
	err = db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = p
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (s *Store) Clear(context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.DropAll()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// badgerLogger forwards badger warnings and errors to a logging.Logger and
// drops info/debug chatter.
type badgerLogger struct{ logger logging.Logger }

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
