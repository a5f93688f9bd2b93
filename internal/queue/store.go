package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	agenterrors "github.com/kate-wakatime/wakatime-agent/internal/errors"
	"github.com/kate-wakatime/wakatime-agent/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultPopAttempts is how many times Pop retries a failed transaction.
const DefaultPopAttempts = 3

// Store is the durable holding area for heartbeats that have not been
// confirmed by the remote endpoint. No method returns an error: a broken
// store degrades to no-ops so that the editor is never blocked by it.
type Store interface {
	// Push inserts a row. It reports whether the row was persisted.
	Push(ctx context.Context, row types.Row) bool

	// Pop removes and returns one row. ok is false when the queue is
	// empty, the store has failed, or every attempt failed.
	Pop(ctx context.Context) (row types.Row, ok bool)

	// PopMany pops up to limit rows, or until empty when limit is negative.
	PopMany(ctx context.Context, limit int) []types.Row

	// Remove deletes every row with the given id and returns how many went.
	Remove(ctx context.Context, id string) int

	// Count returns the number of queued rows.
	Count(ctx context.Context) int

	// Failed reports whether the store has latched into its failed state.
	Failed() bool

	Close() error
}

// Options configures a SQLiteStore.
type Options struct {
	// Path is the database file, typically ~/.wakatime.db
	Path string

	// PopAttempts bounds Pop retries (default 3)
	PopAttempts int

	Logger *slog.Logger
}

// SQLiteStore implements Store on a single SQLite file. The connection is
// opened lazily on first use; any open or insert failure latches the store
// into a failed state for the rest of its lifetime.
type SQLiteStore struct {
	path     string
	attempts int
	logger   *slog.Logger

	mu     sync.Mutex
	db     *sql.DB
	failed bool
	closed bool
}

// NewSQLiteStore creates a store. It does not touch the file system.
func NewSQLiteStore(opts Options) *SQLiteStore {
	if opts.PopAttempts <= 0 {
		opts.PopAttempts = DefaultPopAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{
		path:     opts.Path,
		attempts: opts.PopAttempts,
		logger:   logger.With("component", "queue"),
	}
}

// dsn enables WAL, a busy timeout for writers in other processes, and
// BEGIN IMMEDIATE for every transaction so that pop takes the write lock
// before it reads.
func (s *SQLiteStore) dsn() string {
	return s.path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// conn returns the open database, connecting on first use. It returns nil
// once the store has failed or been closed.
func (s *SQLiteStore) conn(ctx context.Context) *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed || s.closed {
		return nil
	}
	if s.db != nil {
		return s.db
	}

	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		s.failLocked(fmt.Errorf("queue: failed to open database: %w", err))
		return nil
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		s.failLocked(fmt.Errorf("queue: failed to open database: %w", err))
		return nil
	}
	if _, err := db.ExecContext(ctx, CreateQueueTableSQL); err != nil {
		db.Close()
		s.failLocked(fmt.Errorf("queue: failed to initialize schema: %w", err))
		return nil
	}

	s.db = db
	return db
}

// fail latches the failed state. Only the first failure is logged.
func (s *SQLiteStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *SQLiteStore) failLocked(err error) {
	if s.failed {
		return
	}
	s.failed = true
	s.logger.Error("queue store unavailable, heartbeats will not be persisted",
		"path", s.path,
		"error", agenterrors.NewStoreUnavailable("queue disabled", err))
}

// Push inserts a row.
func (s *SQLiteStore) Push(ctx context.Context, row types.Row) bool {
	db := s.conn(ctx)
	if db == nil {
		return false
	}
	if _, err := db.ExecContext(ctx, insertRowSQL, row.ID, row.Payload); err != nil {
		s.fail(fmt.Errorf("queue: failed to insert row: %w", err))
		return false
	}
	return true
}

// Pop removes one row inside a transaction, retrying failed transactions.
// Concurrent callers, in this process or another, never receive the same
// row: the select and delete run under SQLite's write lock.
func (s *SQLiteStore) Pop(ctx context.Context) (types.Row, bool) {
	db := s.conn(ctx)
	if db == nil {
		return types.Row{}, false
	}

	for attempt := 1; attempt <= s.attempts; attempt++ {
		row, ok, err := s.popOnce(ctx, db)
		if err == nil {
			return row, ok
		}
		s.logger.Debug("pop attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return types.Row{}, false
}

func (s *SQLiteStore) popOnce(ctx context.Context, db *sql.DB) (types.Row, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return types.Row{}, false, fmt.Errorf("queue: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		rowid         int64
		id, heartbeat sql.NullString
	)
	err = tx.QueryRowContext(ctx, selectOneSQL).Scan(&rowid, &id, &heartbeat)
	if err == sql.ErrNoRows {
		return types.Row{}, false, nil
	}
	if err != nil {
		return types.Row{}, false, fmt.Errorf("queue: failed to select row: %w", err)
	}

	res, err := tx.ExecContext(ctx, deleteRowidSQL, rowid)
	if err != nil {
		return types.Row{}, false, fmt.Errorf("queue: failed to delete row: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return types.Row{}, false, fmt.Errorf("queue: row %d vanished during pop", rowid)
	}

	if err := tx.Commit(); err != nil {
		return types.Row{}, false, fmt.Errorf("queue: failed to commit pop: %w", err)
	}
	return types.Row{ID: id.String, Payload: heartbeat.String}, true, nil
}

// PopMany pops up to limit rows in pop order, stopping at the first empty
// result. A negative limit drains the queue.
func (s *SQLiteStore) PopMany(ctx context.Context, limit int) []types.Row {
	var rows []types.Row
	for limit < 0 || len(rows) < limit {
		row, ok := s.Pop(ctx)
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows
}

// Remove deletes every row carrying id.
func (s *SQLiteStore) Remove(ctx context.Context, id string) int {
	db := s.conn(ctx)
	if db == nil {
		return 0
	}
	res, err := db.ExecContext(ctx, deleteByIDSQL, id)
	if err != nil {
		s.logger.Warn("failed to remove delivered row", "id", id, "error", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// Count returns the number of queued rows, or 0 if the store is unusable.
func (s *SQLiteStore) Count(ctx context.Context) int {
	db := s.conn(ctx)
	if db == nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, countRowsSQL).Scan(&n); err != nil {
		s.logger.Warn("failed to count queued rows", "error", err)
		return 0
	}
	return n
}

// Failed reports whether the store has latched into its failed state.
func (s *SQLiteStore) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close releases the connection. Further operations are no-ops.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
