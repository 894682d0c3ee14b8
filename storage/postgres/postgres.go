// Package postgres implements storage.Adapter on a single PostgreSQL table
// using database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hupe1980/agencyhost/storage"
)

// Options configures the PostgreSQL adapter.
type Options struct {
	// DSN is the connection string passed to the pgx driver. Required.
	DSN string

	// Table holds the key/value rows. Defaults to "agencyhost_kv".
	Table string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnTimeout bounds the ping performed by Open.
	ConnTimeout time.Duration
}

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a storage.Adapter backed by PostgreSQL.
type Store struct {
	opts Options

	mu sync.RWMutex
	db *sql.DB
}

// New creates an unopened Store.
func New(optFns ...func(o *Options)) *Store {
	opts := Options{
		Table:           "agencyhost_kv",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 15 * time.Minute,
		ConnTimeout:     5 * time.Second,
	}
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

// Open connects, pings and creates the backing table if needed.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if s.opts.DSN == "" {
		return errors.New("postgres: DSN is required")
	}
	if !tableName.MatchString(s.opts.Table) {
		return fmt.Errorf("postgres: invalid table name %q", s.opts.Table)
	}

	db, err := sql.Open("pgx", s.opts.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(s.opts.MaxOpenConns)
	db.SetMaxIdleConns(s.opts.MaxIdleConns)
	db.SetConnMaxLifetime(s.opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, s.opts.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.opts.Table)); err != nil {
		_ = db.Close()
		return fmt.Errorf("create table: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	return s.db, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.opts.Table), key,
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.opts.Table),
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.opts.Table), key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key FROM %s WHERE left(key, char_length($1)) = $1 ORDER BY key`, s.opts.Table), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Clear(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.opts.Table)); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
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
