package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// marshalMetadata encodes metadata as JSON. Empty metadata becomes SQL NULL.
func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func nullUserID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

// rowFields holds the columns every backend selects, in order:
// seq, event_id, aggregate_id, event_type, payload, occurred_on, version, user_id, metadata.
type rowFields struct {
	rec      Record
	userID   sql.NullInt64
	metadata []byte
}

func (f *rowFields) finish() (Record, error) {
	if f.userID.Valid {
		id := f.userID.Int64
		f.rec.UserID = &id
	}
	if len(f.metadata) > 0 {
		if err := json.Unmarshal(f.metadata, &f.rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	f.rec.OccurredOn = f.rec.OccurredOn.UTC()
	return f.rec, nil
}

// collect drains rows through scan, closing them.
func collect(rows *sql.Rows, scan func(scanner) (Record, error)) ([]Record, error) {
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
