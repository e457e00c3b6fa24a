package db

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a uniqueness rule,
	// e.g. a second active connection for the same source/sink pair.
	ErrDuplicate = errors.New("duplicate record")
)

// isUniqueViolation reports whether err is a uniqueness constraint failure
// from either supported driver.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		return string(perr.Code) == pgerrcode.UniqueViolation
	}
	return false
}
