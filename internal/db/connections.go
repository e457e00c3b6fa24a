package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/issuebridge/issuebridge/internal/schema"
)

const connectionColumns = `id, source_database_id, sink_channel_id, name, source_name, sink_name,
	last_checked_at, active, created_at, updated_at`

// ListConnections returns connections ordered by id.
func (db *DB) ListConnections(activeOnly bool) ([]*schema.Connection, error) {
	return db.ListConnectionsContext(context.Background(), activeOnly)
}

// ListConnectionsContext returns connections with context support.
func (db *DB) ListConnectionsContext(ctx context.Context, activeOnly bool) ([]*schema.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*schema.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

// GetConnection returns a single connection by id.
func (db *DB) GetConnection(id int64) (*schema.Connection, error) {
	return db.GetConnectionContext(context.Background(), id)
}

// GetConnectionContext returns a single connection with context support.
// Returns ErrNotFound if no such connection exists.
func (db *DB) GetConnectionContext(ctx context.Context, id int64) (*schema.Connection, error) {
	row := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`), id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %d: %w", id, ErrNotFound)
	}
	return c, err
}

// AddConnection inserts a new active connection and fills in its id and
// timestamps.
func (db *DB) AddConnection(c *schema.Connection) error {
	return db.AddConnectionContext(context.Background(), c)
}

// AddConnectionContext inserts a connection with context support.
// Returns ErrDuplicate if an active connection already links the same
// source database and sink channel.
func (db *DB) AddConnectionContext(ctx context.Context, c *schema.Connection) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid connection: %w", err)
	}
	c.SetDefaults()

	now := time.Now().UTC()
	query := db.rebind(`
	INSERT INTO connections (
		source_database_id, sink_channel_id, name, source_name, sink_name,
		active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	RETURNING id`)

	err := db.conn.QueryRowContext(ctx, query,
		c.SourceDatabaseID,
		c.SinkChannelID,
		c.Name,
		c.SourceName,
		c.SinkName,
		formatTime(now),
		formatTime(now),
	).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("connection %s -> %s: %w", c.SourceDatabaseID, c.SinkChannelID, ErrDuplicate)
		}
		return fmt.Errorf("failed to add connection: %w", err)
	}

	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// DeleteConnection removes a connection. A soft delete only marks it
// inactive; a hard delete also drops its tracked artifacts.
func (db *DB) DeleteConnection(id int64, hard bool) error {
	return db.DeleteConnectionContext(context.Background(), id, hard)
}

// DeleteConnectionContext removes a connection with context support.
// Returns ErrNotFound if no row was affected.
func (db *DB) DeleteConnectionContext(ctx context.Context, id int64, hard bool) error {
	var (
		res sql.Result
		err error
	)
	if hard {
		res, err = db.conn.ExecContext(ctx, db.rebind(`DELETE FROM connections WHERE id = ?`), id)
	} else {
		res, err = db.conn.ExecContext(ctx,
			db.rebind(`UPDATE connections SET active = 0, updated_at = ? WHERE id = ?`),
			formatTime(time.Now()), id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete connection %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete connection %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("connection %d: %w", id, ErrNotFound)
	}
	return nil
}

// TouchConnectionContext records the time of the last completed sync pass.
func (db *DB) TouchConnectionContext(ctx context.Context, id int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		db.rebind(`UPDATE connections SET last_checked_at = ?, updated_at = ? WHERE id = ?`),
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update last_checked_at for connection %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*schema.Connection, error) {
	var (
		c                    schema.Connection
		lastChecked          sql.NullString
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(
		&c.ID,
		&c.SourceDatabaseID,
		&c.SinkChannelID,
		&c.Name,
		&c.SourceName,
		&c.SinkName,
		&lastChecked,
		&active,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	c.LastCheckedAt = nullStringToTime(lastChecked)
	c.Active = active == 1
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
