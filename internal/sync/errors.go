package sync

import (
	"errors"
	"fmt"

	"github.com/issuebridge/issuebridge/internal/db"
)

var (
	// ErrSourceUnavailable means the source could not be reached or
	// refused the credentials. The connection is skipped for this pass.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSinkPermissionDenied means the sink refused an operation for lack
	// of rights. It triggers the degraded fallback paths.
	ErrSinkPermissionDenied = errors.New("sink permission denied")

	// ErrSinkNotFound means the artifact is already gone from the sink.
	ErrSinkNotFound = errors.New("sink artifact not found")

	// ErrRecordStore wraps any record store I/O failure.
	ErrRecordStore = errors.New("record store error")

	// ErrSyncInProgress is returned when a pass is requested for a
	// connection that is already being synced.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotFound is returned when a tracked artifact or connection
	// doesn't exist.
	ErrNotFound = db.ErrNotFound

	// ErrDuplicateRecord is returned when the store rejects a record as a
	// uniqueness violation.
	ErrDuplicateRecord = db.ErrDuplicate
)

// storeError wraps a store failure with ErrRecordStore, leaving the
// not-found and duplicate sentinels recognizable.
func storeError(op string, err error) error {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrDuplicate) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrRecordStore, err)
}
