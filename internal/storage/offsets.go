package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// OffsetStore persists the next polling offset per update source.
type OffsetStore struct {
	db  *Database
	now func() time.Time
}

// NewOffsetStore creates a new offset store.
func NewOffsetStore(db *Database) *OffsetStore {
	return &OffsetStore{db: db, now: time.Now}
}

// LoadOffset returns the stored offset for name, or 0 if none was saved.
func (s *OffsetStore) LoadOffset(ctx context.Context, name string) (int64, error) {
	var offset int64
	err := s.db.GetContext(ctx, &offset, s.db.Rebind(`SELECT next_offset FROM poll_offsets WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeError("load offset", err)
	}
	return offset, nil
}

// SaveOffset stores offset for name. It never moves a stored offset backwards.
func (s *OffsetStore) SaveOffset(ctx context.Context, name string, offset int64) error {
	query := `
		INSERT INTO poll_offsets (name, next_offset, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			next_offset = excluded.next_offset,
			updated_at = excluded.updated_at
		WHERE excluded.next_offset > poll_offsets.next_offset
	`
	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), name, offset, dbTime(s.now()))
	return storeError("save offset", err)
}
