package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists limiter entries in a single SQLite file so limits
// survive restarts of a single-instance deployment. The database runs in WAL
// mode with one open connection; every Update is one transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string

	getStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
	evictStmt  *sql.Stmt
	countStmt  *sql.Stmt
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string

	// BusyTimeout is how long to wait for locks held by other processes.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens the database with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: cfg.Path}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS limiter_entries (
		key TEXT PRIMARY KEY,
		entry TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_limiter_entries_last_seen ON limiter_entries(last_seen);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	if s.getStmt, err = s.db.Prepare(`SELECT entry FROM limiter_entries WHERE key = ?`); err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM limiter_entries WHERE key = ?`); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if s.listStmt, err = s.db.Prepare(`SELECT entry FROM limiter_entries`); err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if s.evictStmt, err = s.db.Prepare(`DELETE FROM limiter_entries WHERE last_seen < ?`); err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	if s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM limiter_entries`); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	return nil
}

// Get retrieves the entry for a given key
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return s.load(ctx, s.getStmt, key)
}

func (s *SQLiteStore) load(ctx context.Context, stmt *sql.Stmt, key string) (*Entry, error) {
	var data string
	err := stmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return decodeEntry([]byte(data))
}

// Update applies fn inside a transaction
func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	current, err := s.load(ctx, tx.StmtContext(ctx, s.getStmt), key)
	if err != nil {
		return nil, err
	}

	next, err := fn(current.Clone())
	if errors.Is(err, ErrSkipWrite) {
		return current, nil
	}
	if err != nil {
		return nil, err
	}

	if next == nil {
		if _, err := tx.StmtContext(ctx, s.deleteStmt).ExecContext(ctx, key); err != nil {
			return nil, fmt.Errorf("sqlite delete: %w", err)
		}
	} else {
		next = next.Clone()
		next.Key = key
		data, err := encodeEntry(next)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO limiter_entries (key, entry, last_seen) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET entry = excluded.entry, last_seen = excluded.last_seen`,
			key, string(data), next.LastSeen.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("sqlite upsert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite commit: %w", err)
	}
	return next, nil
}

// Delete removes the entry for a given key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// List returns all stored entries
func (s *SQLiteStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		e, err := decodeEntry([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EvictIdle removes entries last seen before cutoff
func (s *SQLiteStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.evictStmt.ExecContext(ctx, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite evict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite evict: %w", err)
	}
	return int(n), nil
}

// Count returns the number of stored entries
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.countStmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

// Clear removes all entries
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM limiter_entries`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// Close releases prepared statements and closes the database
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.getStmt, s.deleteStmt, s.listStmt, s.evictStmt, s.countStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
