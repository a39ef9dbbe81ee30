// ABOUTME: Postgres implementation of the entity directory using pgx connection pools
// ABOUTME: Lets every gateway node in a fleet share one directory

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/fanout-gateway/internal/fanout"
)

// PostgresDirectory implements Directory on a pgx pool
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory connects to dsn and creates the schema if missing.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: empty connection string")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	d := NewPostgresDirectoryFromPool(pool)
	if err := d.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	d.logger.Info("Postgres directory initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return d, nil
}

// NewPostgresDirectoryFromPool wraps an existing pool. The caller is
// responsible for the schema.
func NewPostgresDirectoryFromPool(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{
		pool:   pool,
		logger: slog.Default().With("component", "store", "driver", "postgres"),
	}
}

func (d *PostgresDirectory) createSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS subscriptions (
			connection_id  TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			node_id        TEXT NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL,
			seen_at        TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			PRIMARY KEY (connection_id, entity_type, entity_id)
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_entity
			ON subscriptions(entity_type, entity_id);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_node
			ON subscriptions(node_id);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_last_active
			ON subscriptions(last_active_at);

		ALTER TABLE subscriptions
			ADD COLUMN IF NOT EXISTS seen_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch';

		CREATE INDEX IF NOT EXISTS idx_subscriptions_seen
			ON subscriptions(seen_at);
	`
	_, err := d.pool.Exec(ctx, schema)
	return err
}

// Subscribe inserts a subscription or refreshes its owner and activity.
// The heartbeat starts at the subscription's activity time.
func (d *PostgresDirectory) Subscribe(ctx context.Context, sub Subscription) error {
	const upsertSQL = `
		INSERT INTO subscriptions (connection_id, entity_type, entity_id, user_id, node_id, last_active_at, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (connection_id, entity_type, entity_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			node_id = EXCLUDED.node_id,
			last_active_at = EXCLUDED.last_active_at,
			seen_at = EXCLUDED.seen_at
	`
	_, err := d.pool.Exec(ctx, upsertSQL,
		sub.ConnectionID,
		string(sub.Entity.Type),
		sub.Entity.ID,
		sub.UserID,
		sub.NodeID,
		sub.LastActiveAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// Unsubscribe removes one subscription.
func (d *PostgresDirectory) Unsubscribe(ctx context.Context, connectionID string, entity fanout.Entity) error {
	tag, err := d.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE connection_id = $1 AND entity_type = $2 AND entity_id = $3`,
		connectionID, string(entity.Type), entity.ID,
	)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveConnection removes every subscription of a connection.
func (d *PostgresDirectory) RemoveConnection(ctx context.Context, connectionID string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM subscriptions WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("deleting connection subscriptions: %w", err)
	}
	return nil
}

// Touch records activity for every subscription of a connection. Activity
// also counts as a heartbeat.
func (d *PostgresDirectory) Touch(ctx context.Context, connectionID string, at time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE subscriptions SET last_active_at = $1, seen_at = GREATEST(seen_at, $1) WHERE connection_id = $2`,
		at.UTC(), connectionID,
	)
	if err != nil {
		return 0, fmt.Errorf("updating last activity: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Heartbeat marks every subscription registered by nodeID as held at at,
// leaving last activity alone.
func (d *PostgresDirectory) Heartbeat(ctx context.Context, nodeID string, at time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE subscriptions SET seen_at = $1 WHERE node_id = $2 AND seen_at < $1`,
		at.UTC(), nodeID,
	)
	if err != nil {
		return 0, fmt.Errorf("updating heartbeat: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListConnections returns every connection subscribed to entity.
func (d *PostgresDirectory) ListConnections(ctx context.Context, entity fanout.Entity) ([]fanout.StoredConnectionEntity, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT connection_id, user_id, node_id, last_active_at
		FROM subscriptions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY connection_id
	`, string(entity.Type), entity.ID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	conns := []fanout.StoredConnectionEntity{}
	for rows.Next() {
		var c fanout.StoredConnectionEntity
		if err := rows.Scan(&c.ConnectionID, &c.UserID, &c.NodeID, &c.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		c.LastActiveAt = c.LastActiveAt.UTC()
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return conns, nil
}

// RemoveNode removes every subscription registered by nodeID.
func (d *PostgresDirectory) RemoveNode(ctx context.Context, nodeID string) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM subscriptions WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("deleting node subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireStale removes subscriptions whose last heartbeat is before the cutoff.
func (d *PostgresDirectory) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM subscriptions WHERE seen_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (d *PostgresDirectory) Close() error {
	d.logger.Info("closing Postgres directory")
	d.pool.Close()
	return nil
}
