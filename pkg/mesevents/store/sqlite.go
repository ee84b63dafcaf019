package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists the event log to SQLite.
// It is suitable for single-process production use.
//
// Timestamps are stored as INTEGER unix nanoseconds so range queries and
// ordering are numeric.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_store (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			occurred_on INTEGER NOT NULL,
			version TEXT NOT NULL,
			user_id INTEGER,
			metadata TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_event_store_aggregate ON event_store(aggregate_id, occurred_on, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_event_store_type ON event_store(event_type, occurred_on, seq)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// OpenSQLite opens a SQLite database with WAL enabled.
// The pool holds a single connection: SQLite allows one writer at a time and
// an in-memory database exists only inside the connection that created it.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

const sqliteColumns = `seq, event_id, aggregate_id, event_type, payload, occurred_on, version, user_id, metadata`

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	metadata, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO event_store (
			event_id, aggregate_id, event_type, payload,
			occurred_on, version, user_id, metadata
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
		RETURNING seq
	`, rec.EventID, rec.AggregateID, rec.EventType, rec.Payload,
		toNanos(rec.OccurredOn), rec.Version, nullUserID(rec.UserID), nullableText(metadata),
	).Scan(&seq)

	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ByAggregate implements Store.
func (s *SQLiteStore) ByAggregate(ctx context.Context, aggregateID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM event_store
		WHERE aggregate_id = ?
		ORDER BY occurred_on ASC, seq ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query by aggregate: %w", err)
	}
	return collect(rows, scanSQLiteRecord)
}

// ByTypeSince implements Store.
func (s *SQLiteStore) ByTypeSince(ctx context.Context, eventType string, since time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM event_store
		WHERE (? = '' OR event_type = ?) AND occurred_on >= ?
		ORDER BY occurred_on ASC, seq ASC
	`, eventType, eventType, toNanos(since))
	if err != nil {
		return nil, fmt.Errorf("query by type: %w", err)
	}
	return collect(rows, scanSQLiteRecord)
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func scanSQLiteRecord(row scanner) (Record, error) {
	var f rowFields
	var nanos int64
	var metadata sql.NullString
	if err := row.Scan(
		&f.rec.Seq,
		&f.rec.EventID,
		&f.rec.AggregateID,
		&f.rec.EventType,
		&f.rec.Payload,
		&nanos,
		&f.rec.Version,
		&f.userID,
		&metadata,
	); err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	f.rec.OccurredOn = time.Unix(0, nanos)
	if metadata.Valid {
		f.metadata = []byte(metadata.String)
	}
	return f.finish()
}

// toNanos converts t to unix nanoseconds, clamping times outside the int64 range.
func toNanos(t time.Time) int64 {
	switch {
	case t.Before(minNanoTime):
		return math.MinInt64
	case t.After(maxNanoTime):
		return math.MaxInt64
	default:
		return t.UnixNano()
	}
}

var (
	minNanoTime = time.Unix(0, math.MinInt64)
	maxNanoTime = time.Unix(0, math.MaxInt64)
)

func nullableText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
