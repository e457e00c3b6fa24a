// Package db provides the record store for issuebridge.
//
// The store holds two tables:
//   - connections: source database <-> sink channel pairs
//   - tracked_artifacts: one row per mirrored source record, owned by a
//     connection (ON DELETE CASCADE)
//
// Two dialects are supported behind the same API. The default is an embedded
// SQLite file (ncruces/go-sqlite3, WAL mode). A PostgreSQL DSN can be used
// instead for shared deployments; its schema is managed by golang-migrate.
//
// Every statement commits on its own. Callers that need a consistent view
// across statements (the sync engine) serialize themselves per connection.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the database connection with issuebridge-specific queries.
type DB struct {
	conn   *sql.DB
	driver string
	path   string
}

// Open creates a new SQLite database connection at the specified path.
//
// The database is opened in WAL mode with foreign keys enabled. If the file
// doesn't exist it is created; call InitSchema to create the tables.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open("data/issuebridge.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	conn, err := sql.Open(DriverSQLite, fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, driver: DriverSQLite, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// OpenDSN opens a store for the given driver. For DriverSQLite the dsn is a
// file path; for DriverPostgres it is a libpq connection string.
func OpenDSN(driver, dsn string) (*DB, error) {
	switch driver {
	case "", DriverSQLite, "sqlite":
		return Open(dsn)
	case DriverPostgres:
		conn, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
		return &DB{conn: conn, driver: DriverPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Driver returns the name of the driver backing this store.
func (db *DB) Driver() string {
	return db.driver
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. For SQLite the WAL is checkpointed
// first so the main file is self-contained.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call on every start.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
// PostgreSQL stores are brought up to date through the embedded migrations.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.driver == DriverPostgres {
		_, err := db.Migrate()
		return err
	}

	if _, err := db.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Stores created before the removed marker existed lack the column.
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('tracked_artifacts') WHERE name = 'removed'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect tracked_artifacts: %w", err)
	}
	if n == 0 {
		if _, err := db.conn.ExecContext(ctx,
			`ALTER TABLE tracked_artifacts ADD COLUMN removed INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add removed column: %w", err)
		}
	}
	return nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_database_id TEXT NOT NULL,
		sink_channel_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		source_name TEXT NOT NULL DEFAULT '',
		sink_name TEXT NOT NULL DEFAULT '',
		last_checked_at TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one active connection per pair; soft-deleted rows don't count.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_active_pair
	    ON connections(source_database_id, sink_channel_id) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS tracked_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_record_id TEXT NOT NULL,
		sink_artifact_id TEXT NOT NULL,
		connection_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'Open',
		external_key TEXT NOT NULL DEFAULT '',
		removed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (source_record_id, sink_artifact_id),
		FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_connection ON tracked_artifacts(connection_id);
	CREATE INDEX IF NOT EXISTS idx_tracked_artifact ON tracked_artifacts(sink_artifact_id);
	CREATE INDEX IF NOT EXISTS idx_tracked_external_key
	    ON tracked_artifacts(connection_id, external_key) WHERE external_key <> '';
	CREATE INDEX IF NOT EXISTS idx_tracked_record ON tracked_artifacts(connection_id, source_record_id);
	`

// rebind rewrites ? placeholders into the $N form PostgreSQL expects.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
