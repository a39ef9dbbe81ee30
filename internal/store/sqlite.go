// ABOUTME: SQLite implementation of the entity directory using modernc.org/sqlite
// ABOUTME: Creates its schema on open and stores activity times as unix milliseconds

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// SQLiteDirectory implements Directory using SQLite
type SQLiteDirectory struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Directory = (*SQLiteDirectory)(nil)

// NewSQLiteDirectory opens the directory at path, creating parent
// directories and the schema as needed. ":memory:" gives a private
// in-memory database.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer, and each :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	d := &SQLiteDirectory{db: db, logger: logger}
	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite directory initialized", "path", path)
	return d, nil
}

func (d *SQLiteDirectory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			connection_id  TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			node_id        TEXT NOT NULL,
			last_active_at INTEGER NOT NULL,
			seen_at        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (connection_id, entity_type, entity_id)
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_entity
			ON subscriptions(entity_type, entity_id);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_node
			ON subscriptions(node_id);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_last_active
			ON subscriptions(last_active_at);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return err
	}
	return d.runMigrations()
}

// runMigrations upgrades directories created by older releases. Each step
// is idempotent.
func (d *SQLiteDirectory) runMigrations() error {
	// SQLite has no ADD COLUMN IF NOT EXISTS, so check first.
	var exists int
	err := d.db.QueryRow(`SELECT 1 FROM pragma_table_info('subscriptions') WHERE name = 'seen_at'`).Scan(&exists)
	if err != nil {
		if _, err := d.db.Exec(`ALTER TABLE subscriptions ADD COLUMN seen_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("adding seen_at column to subscriptions: %w", err)
		}
		d.logger.Info("applied migration", "column", "seen_at", "table", "subscriptions")
	}

	if _, err := d.db.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_seen ON subscriptions(seen_at)`); err != nil {
		return fmt.Errorf("creating seen_at index: %w", err)
	}
	return nil
}

// Subscribe inserts a subscription or refreshes its owner and activity.
// The heartbeat starts at the subscription's activity time.
func (d *SQLiteDirectory) Subscribe(ctx context.Context, sub Subscription) error {
	query := `
		INSERT INTO subscriptions (connection_id, entity_type, entity_id, user_id, node_id, last_active_at, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, entity_type, entity_id) DO UPDATE SET
			user_id = excluded.user_id,
			node_id = excluded.node_id,
			last_active_at = excluded.last_active_at,
			seen_at = excluded.seen_at
	`
	_, err := d.db.ExecContext(ctx, query,
		sub.ConnectionID,
		string(sub.Entity.Type),
		sub.Entity.ID,
		sub.UserID,
		sub.NodeID,
		sub.LastActiveAt.UnixMilli(),
		sub.LastActiveAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes one subscription.
func (d *SQLiteDirectory) Unsubscribe(ctx context.Context, connectionID string, entity fanout.Entity) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE connection_id = ? AND entity_type = ? AND entity_id = ?`,
		connectionID, string(entity.Type), entity.ID,
	)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveConnection removes every subscription of a connection. Removing an
// unknown connection is not an error.
func (d *SQLiteDirectory) RemoveConnection(ctx context.Context, connectionID string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("deleting connection subscriptions: %w", err)
	}
	return nil
}

// Touch records activity for every subscription of a connection. Activity
// also counts as a heartbeat.
func (d *SQLiteDirectory) Touch(ctx context.Context, connectionID string, at time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_active_at = ?, seen_at = MAX(seen_at, ?) WHERE connection_id = ?`,
		at.UnixMilli(), at.UnixMilli(), connectionID,
	)
	if err != nil {
		return 0, fmt.Errorf("updating last activity: %w", err)
	}
	return result.RowsAffected()
}

// Heartbeat marks every subscription registered by nodeID as held at at,
// leaving last activity alone.
func (d *SQLiteDirectory) Heartbeat(ctx context.Context, nodeID string, at time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`UPDATE subscriptions SET seen_at = ? WHERE node_id = ? AND seen_at < ?`,
		at.UnixMilli(), nodeID, at.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("updating heartbeat: %w", err)
	}
	return result.RowsAffected()
}

// ListConnections returns every connection subscribed to entity.
func (d *SQLiteDirectory) ListConnections(ctx context.Context, entity fanout.Entity) ([]fanout.StoredConnectionEntity, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT connection_id, user_id, node_id, last_active_at
		FROM subscriptions
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY connection_id
	`, string(entity.Type), entity.ID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	conns := []fanout.StoredConnectionEntity{}
	for rows.Next() {
		var c fanout.StoredConnectionEntity
		var lastActive int64
		if err := rows.Scan(&c.ConnectionID, &c.UserID, &c.NodeID, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		c.LastActiveAt = time.UnixMilli(lastActive).UTC()
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return conns, nil
}

// RemoveNode removes every subscription registered by nodeID.
func (d *SQLiteDirectory) RemoveNode(ctx context.Context, nodeID string) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE node_id = ?`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("deleting node subscriptions: %w", err)
	}
	return result.RowsAffected()
}

// ExpireStale removes subscriptions whose last heartbeat is before the cutoff.
func (d *SQLiteDirectory) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expiring subscriptions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (d *SQLiteDirectory) Close() error {
	d.logger.Info("closing SQLite directory")
	return d.db.Close()
}
