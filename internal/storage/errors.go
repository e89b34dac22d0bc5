package storage

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/user/gremlinbot/internal/domain"
)

// storeError classifies a driver error. Constraint violations are permanent;
// everything else may succeed on retry. A nil err stays nil.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return &domain.ConstraintError{Op: op, Err: err}
	}
	return domain.Transient(op, err)
}

// isConstraintViolation matches SQLite's SQLITE_CONSTRAINT family and
// PostgreSQL's integrity constraint class 23.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}
