package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/issuebridge/issuebridge/internal/schema"
)

const trackedColumns = `id, source_record_id, sink_artifact_id, connection_id, title, status,
	external_key, removed, created_at, updated_at`

// ListTrackedContext returns every tracked artifact owned by a connection,
// oldest first.
func (db *DB) ListTrackedContext(ctx context.Context, connectionID int64) ([]*schema.TrackedArtifact, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT `+trackedColumns+` FROM tracked_artifacts WHERE connection_id = ? ORDER BY id`),
		connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked artifacts: %w", err)
	}
	defer rows.Close()
	return scanTracked(rows)
}

// ListAllTracked returns tracked artifacts across all connections.
func (db *DB) ListAllTracked() ([]*schema.TrackedArtifact, error) {
	return db.ListAllTrackedContext(context.Background())
}

// ListAllTrackedContext returns tracked artifacts across all connections with
// context support.
func (db *DB) ListAllTrackedContext(ctx context.Context) ([]*schema.TrackedArtifact, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+trackedColumns+` FROM tracked_artifacts ORDER BY connection_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked artifacts: %w", err)
	}
	defer rows.Close()
	return scanTracked(rows)
}

// CountTrackedContext returns the number of tracked artifacts.
func (db *DB) CountTrackedContext(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_artifacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracked artifacts: %w", err)
	}
	return n, nil
}

// GetTrackedByArtifactIDContext looks up the row mirroring a sink artifact.
// Returns ErrNotFound if the artifact isn't tracked.
func (db *DB) GetTrackedByArtifactIDContext(ctx context.Context, artifactID string) (*schema.TrackedArtifact, error) {
	return db.getTracked(ctx, `sink_artifact_id = ?`, artifactID)
}

// FindTrackedByExternalKeyContext returns the tracked artifact for a
// connection carrying the given external key.
func (db *DB) FindTrackedByExternalKeyContext(ctx context.Context, connectionID int64, key string) (*schema.TrackedArtifact, error) {
	return db.getTracked(ctx, `connection_id = ? AND external_key = ?`, connectionID, key)
}

// FindTrackedByRecordIDContext returns the tracked artifact for a connection
// mirroring the given source record id.
func (db *DB) FindTrackedByRecordIDContext(ctx context.Context, connectionID int64, recordID string) (*schema.TrackedArtifact, error) {
	return db.getTracked(ctx, `connection_id = ? AND source_record_id = ?`, connectionID, recordID)
}

func (db *DB) getTracked(ctx context.Context, where string, args ...any) (*schema.TrackedArtifact, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT `+trackedColumns+` FROM tracked_artifacts WHERE `+where+` ORDER BY id DESC LIMIT 1`),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked artifact: %w", err)
	}
	defer rows.Close()

	found, err := scanTracked(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// InsertTrackedContext stores a new tracked artifact and fills in its id and
// timestamps. Returns ErrDuplicate if the (record, artifact) pair already
// exists.
func (db *DB) InsertTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tracked artifact: %w", err)
	}
	now := time.Now().UTC()
	query := db.rebind(`
	INSERT INTO tracked_artifacts (
		source_record_id, sink_artifact_id, connection_id, title, status,
		external_key, removed, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id`)

	err := db.conn.QueryRowContext(ctx, query,
		t.SourceRecordID,
		t.SinkArtifactID,
		t.ConnectionID,
		t.Title,
		string(t.Status),
		t.ExternalKey,
		boolToInt(t.Removed),
		formatTime(now),
		formatTime(now),
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("tracked artifact %s/%s: %w", t.SourceRecordID, t.SinkArtifactID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert tracked artifact: %w", err)
	}

	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// UpdateTrackedContext commits the mirrored fields (title, status, external
// key) and the removed marker of an existing row.
func (db *DB) UpdateTrackedContext(ctx context.Context, t *schema.TrackedArtifact) error {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, db.rebind(`
	UPDATE tracked_artifacts
	SET title = ?, status = ?, external_key = ?, removed = ?, updated_at = ?
	WHERE id = ?`),
		t.Title, string(t.Status), t.ExternalKey, boolToInt(t.Removed), formatTime(now), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update tracked artifact %d: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tracked artifact %d: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = now
	return nil
}

// DeleteTrackedContext removes a tracked artifact row by id.
// Returns nil if the row doesn't exist (idempotent).
func (db *DB) DeleteTrackedContext(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`DELETE FROM tracked_artifacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete tracked artifact %d: %w", id, err)
	}
	return nil
}

// DeleteTrackedByArtifactIDsContext removes the rows of a connection whose
// sink artifacts are in ids and returns how many rows went away.
func (db *DB) DeleteTrackedByArtifactIDsContext(ctx context.Context, connectionID int64, ids []string) (int64, error) {
	var total int64
	// Chunked to stay under SQLite's host parameter limit.
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]

		args := make([]any, 0, len(part)+1)
		args = append(args, connectionID)
		for _, id := range part {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")

		res, err := db.conn.ExecContext(ctx, db.rebind(
			`DELETE FROM tracked_artifacts WHERE connection_id = ? AND sink_artifact_id IN (`+placeholders+`)`),
			args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete tracked artifacts: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to delete tracked artifacts: %w", err)
		}
		total += n
	}
	return total, nil
}

// scanTracked is a helper to scan tracked artifact rows.
func scanTracked(rows *sql.Rows) ([]*schema.TrackedArtifact, error) {
	var out []*schema.TrackedArtifact
	for rows.Next() {
		var (
			t                    schema.TrackedArtifact
			status               string
			removed              int
			createdAt, updatedAt string
		)
		err := rows.Scan(
			&t.ID,
			&t.SourceRecordID,
			&t.SinkArtifactID,
			&t.ConnectionID,
			&t.Title,
			&status,
			&t.ExternalKey,
			&removed,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked artifact: %w", err)
		}
		t.Status = schema.Status(status)
		t.Removed = removed != 0
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, nil
		}
		return nil, fmt.Errorf("error iterating tracked artifacts: %w", err)
	}
	return out, nil
}
