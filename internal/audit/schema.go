package audit

import (
	"context"
	"fmt"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS broker_events (
	id          BIGSERIAL PRIMARY KEY,
	instance_id TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	conn_id     UUID,
	channel     TEXT,
	bytes       INTEGER NOT NULL DEFAULT 0,
	delivered   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	occurred_at BIGINT  NOT NULL
)`

const createIndexSQL = `
CREATE INDEX IF NOT EXISTS broker_events_occurred_at_idx
	ON broker_events (instance_id, occurred_at)`

const insertEventSQL = `
INSERT INTO broker_events (instance_id, kind, conn_id, channel, bytes, delivered, failed, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// EnsureSchema creates the broker_events table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create broker_events: %w", err)
	}
	if _, err := db.Exec(ctx, createIndexSQL); err != nil {
		return fmt.Errorf("create broker_events index: %w", err)
	}
	return nil
}
