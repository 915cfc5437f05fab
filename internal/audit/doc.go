// Package audit journals broker events to PostgreSQL.
//
// The broker reports connects, disconnects, subscription changes and
// publishes (byte size and delivery counts, never the payload) to a Writer.
// The Writer buffers them in a bounded queue and inserts them into the
// broker_events table in batches with pgx.Batch.
//
// The journal is write-only telemetry. Nothing reads it back, and losing it
// does not affect message delivery.
package audit
