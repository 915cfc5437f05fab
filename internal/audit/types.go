package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config holds journal writer settings.
type Config struct {
	InstanceID    string        // Stored with every row
	BatchSize     int           // Rows per INSERT batch
	FlushInterval time.Duration // Max time a row waits in the batch
	BufferSize    int           // Events held between broker and writer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics tracks journal activity.
type Metrics struct {
	Recorded int64 `json:"recorded"` // accepted from the broker
	Dropped  int64 `json:"dropped"`  // rejected because the buffer was full or closed
	Inserts  int64 `json:"inserts"`
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"errors"`
}

// eventRow is one broker_events row.
type eventRow struct {
	InstanceID string
	Kind       string
	ConnID     pgtype.UUID
	Channel    pgtype.Text
	Bytes      int
	Delivered  int
	Failed     int
	OccurredAt int64 // µs since epoch
}
