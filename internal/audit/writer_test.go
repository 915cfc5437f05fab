package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rickgao/newmq/internal/broker"
)

// fakeDB records every batch and statement it is given.
type fakeDB struct {
	mu      sync.Mutex
	rows    [][]any
	execs   []string
	batches int
	failErr error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if err := ctx.Err(); err != nil {
		return &fakeResults{n: b.Len(), err: err}
	}
	if f.failErr == nil {
		for _, q := range b.QueuedQueries {
			f.rows = append(f.rows, q.Arguments)
		}
	}
	return &fakeResults{n: b.Len(), err: f.failErr}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.failErr
}

func (f *fakeDB) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeResults struct {
	n   int
	err error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, r.err }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InstanceID = "broker-test"
	return cfg
}

func TestWriter_Transform(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)

	id := broker.NewConnID()
	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	row := w.transform(broker.Event{
		Kind:    broker.EventSubscribe,
		ConnID:  id,
		Channel: "room1",
		At:      at,
	})

	if row.InstanceID != "broker-test" {
		t.Errorf("InstanceID = %s, want broker-test", row.InstanceID)
	}
	if row.Kind != "subscribe" {
		t.Errorf("Kind = %s, want subscribe", row.Kind)
	}
	if !row.ConnID.Valid || row.ConnID.Bytes != id {
		t.Errorf("ConnID = %+v, want %s", row.ConnID, id)
	}
	if row.Channel != (pgtype.Text{String: "room1", Valid: true}) {
		t.Errorf("Channel = %+v, want room1", row.Channel)
	}
	if row.OccurredAt != at.UnixMicro() {
		t.Errorf("OccurredAt = %d, want %d", row.OccurredAt, at.UnixMicro())
	}
}

func TestWriter_Transform_Publish(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)

	row := w.transform(broker.Event{
		Kind:      broker.EventPublish,
		Channel:   "room1",
		Bytes:     42,
		Delivered: 3,
		Failed:    1,
		At:        time.Now(),
	})

	if row.ConnID.Valid {
		t.Error("publish rows carry no connection id")
	}
	if row.Bytes != 42 || row.Delivered != 3 || row.Failed != 1 {
		t.Errorf("row = %+v", row)
	}
}

func TestWriter_Transform_Disconnect(t *testing.T) {
	w := NewWriter(testConfig(), nil, nil)

	row := w.transform(broker.Event{
		Kind:   broker.EventDisconnect,
		ConnID: broker.NewConnID(),
		At:     time.Now(),
	})

	if row.Channel.Valid {
		t.Error("disconnect rows carry no channel")
	}
}

func TestWriter_FlushesOnStop(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	w := NewWriter(cfg, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	id := broker.NewConnID()
	w.Record(broker.Event{Kind: broker.EventConnect, ConnID: id, At: time.Now()})
	w.Record(broker.Event{Kind: broker.EventSubscribe, ConnID: id, Channel: "c", At: time.Now()})
	w.Record(broker.Event{Kind: broker.EventDisconnect, ConnID: id, At: time.Now()})

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if got := db.rowCount(); got != 3 {
		t.Fatalf("rows written = %d, want 3", got)
	}
	if kind := db.rows[1][1]; kind != "subscribe" {
		t.Errorf("second row kind = %v, want subscribe", kind)
	}

	stats := w.Stats()
	if stats.Recorded != 3 || stats.Inserts != 3 {
		t.Errorf("Stats = %+v, want 3 recorded and inserted", stats)
	}
}

func TestWriter_StopWithExpiredContext(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(testConfig(), db, nil)

	// Never started: everything is still in the input buffer.
	for i := 0; i < 3; i++ {
		w.Record(broker.Event{Kind: broker.EventPublish, Channel: "room1", Bytes: 2, At: time.Now()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if got := db.rowCount(); got != 3 {
		t.Fatalf("rows written = %d, want 3", got)
	}
	stats := w.Stats()
	if stats.Errors != 0 || stats.Inserts != 3 {
		t.Errorf("Stats = %+v, want 3 inserted and no errors", stats)
	}
}

func TestWriter_FlushesAtBatchSize(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	w := NewWriter(cfg, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	for i := 0; i < 4; i++ {
		w.Record(broker.Event{Kind: broker.EventPublish, Channel: "c", At: time.Now()})
	}

	deadline := time.Now().Add(time.Second)
	for db.rowCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := db.rowCount(); got != 4 {
		t.Errorf("rows written = %d, want 4", got)
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	db := &fakeDB{}
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	w := NewWriter(cfg, db, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	w.Record(broker.Event{Kind: broker.EventConnect, ConnID: broker.NewConnID(), At: time.Now()})

	deadline := time.Now().Add(time.Second)
	for db.rowCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := db.rowCount(); got != 1 {
		t.Errorf("rows written = %d, want 1", got)
	}
}

func TestWriter_DropsWhenBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 2
	w := NewWriter(cfg, &fakeDB{}, nil)

	// Not started: nothing drains the buffer.
	for i := 0; i < 5; i++ {
		w.Record(broker.Event{Kind: broker.EventPublish, Channel: "c", At: time.Now()})
	}

	stats := w.Stats()
	if stats.Recorded != 2 {
		t.Errorf("Recorded = %d, want 2", stats.Recorded)
	}
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
}

func TestWriter_InsertErrorCounted(t *testing.T) {
	db := &fakeDB{failErr: errors.New("connection refused")}
	w := NewWriter(testConfig(), db, nil)

	w.batch = append(w.batch, w.transform(broker.Event{Kind: broker.EventConnect, ConnID: broker.NewConnID(), At: time.Now()}))
	w.flush(context.Background())

	stats := w.Stats()
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if stats.Inserts != 0 {
		t.Errorf("Inserts = %d, want 0", stats.Inserts)
	}
}

func TestWriter_AsBrokerSink(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(testConfig(), db, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	b := broker.New(broker.WithEventSink(w))
	id := broker.NewConnID()
	b.OnConnect(id, broker.HandleFunc(func([]byte) error { return nil }))
	b.Subscribe(id, "room1")
	b.Publish("room1", []byte("hi"))
	b.OnDisconnect(id)

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var kinds []string
	for _, args := range db.rows {
		kinds = append(kinds, args[1].(string))
	}
	want := "connect,subscribe,publish,disconnect"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("kinds = %s, want %s", got, want)
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("statements = %d, want 2", len(db.execs))
	}
	if !strings.Contains(db.execs[0], "CREATE TABLE IF NOT EXISTS broker_events") {
		t.Errorf("first statement = %s", db.execs[0])
	}

	failing := &fakeDB{failErr: errors.New("permission denied")}
	if err := EnsureSchema(context.Background(), failing); err == nil {
		t.Error("expected error")
	}
}
