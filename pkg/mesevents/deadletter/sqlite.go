package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yusliao/mesevents/pkg/mesevents/store"
)

// SQLiteBackend persists dead-letter queues to SQLite, so quarantined
// entries survive a restart.
type SQLiteBackend struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the database at path.
// Use ":memory:" for testing.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBackendFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// NewSQLiteBackendFromDB creates the dead-letter table on an existing
// database handle. Close does not close a handle it did not open.
func NewSQLiteBackendFromDB(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			handler TEXT NOT NULL,
			payload BLOB NOT NULL,
			failure_reason TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue, seq)`); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

const deadLetterColumns = `seq, id, event_id, event_type, handler, payload, failure_reason, enqueued_at, attempt_count`

type sqliteEntry struct {
	seq int64
	Entry
}

func scanEntry(rows *sql.Rows) (sqliteEntry, error) {
	var (
		e          sqliteEntry
		payload    []byte
		enqueuedAt int64
	)
	if err := rows.Scan(&e.seq, &e.ID, &e.EventID, &e.EventType, &e.Handler,
		&payload, &e.FailureReason, &enqueuedAt, &e.AttemptCount); err != nil {
		return e, fmt.Errorf("scan dead letter: %w", err)
	}
	e.Payload = payload
	e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var scanned []sqliteEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		scanned = append(scanned, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	// RETURNING does not guarantee row order.
	slices.SortFunc(scanned, func(a, b sqliteEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	out := make([]Entry, len(scanned))
	for i, e := range scanned {
		out[i] = e.Entry
	}
	return out, nil
}

func (b *SQLiteBackend) Push(ctx context.Context, queue string, e Entry) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, queue, event_id, event_type, handler,
			payload, failure_reason, enqueued_at, attempt_count
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, queue, e.EventID, e.EventType, e.Handler,
		[]byte(payload), e.FailureReason, e.EnqueuedAt.UnixNano(), e.AttemptCount)
	if err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// PopN deletes the head of the queue and returns the deleted rows in a
// single statement.
func (b *SQLiteBackend) PopN(ctx context.Context, queue string, n int) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM dead_letters
		WHERE seq IN (
			SELECT seq FROM dead_letters
			WHERE queue = ?
			ORDER BY seq ASC
			LIMIT ?
		)
		RETURNING `+deadLetterColumns, queue, n)
	if err != nil {
		return nil, fmt.Errorf("pop dead letters: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return entries, nil
}

func (b *SQLiteBackend) Range(ctx context.Context, queue string, limit int) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		WHERE queue = ?
		ORDER BY seq ASC
		LIMIT ?
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("range dead letters: %w", err)
	}
	return collectEntries(rows)
}

func (b *SQLiteBackend) Len(ctx context.Context, queue string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	var n int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE queue = ?`, queue,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Queues(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT queue FROM dead_letters ORDER BY queue`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, queue string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE queue = ?`, queue)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (b *SQLiteBackend) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE enqueued_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.PingContext(ctx)
}

// Close closes the database if the backend opened it.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
