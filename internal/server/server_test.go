package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/newmq/internal/broker"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) string {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

func TestServer_WebsocketRoute(t *testing.T) {
	b := broker.New()
	cfg := DefaultConfig()
	cfg.Path = "/ws"
	srv := New(cfg, b)
	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	conn := dial(t, wsURL(server, "/ws"))
	defer conn.Close()

	if got := roundTrip(t, conn, `{"SUBSCRIBE":{"channel":"c"}}`); got != `{"OK":{}}` {
		t.Errorf("reply = %s, want OK", got)
	}
	if got := b.Stats().Subscriptions; got != 1 {
		t.Errorf("Subscriptions = %d, want 1", got)
	}
}

func TestServer_PlainGetOnWebsocketPath(t *testing.T) {
	srv := New(DefaultConfig(), broker.New())
	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServer_Health(t *testing.T) {
	b := broker.New()
	b.OnConnect(broker.NewConnID(), broker.HandleFunc(func([]byte) error { return nil }))

	srv := New(DefaultConfig(), b,
		WithHealthCheck("journal", func(ctx context.Context) error { return nil }),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("Status = %s, want healthy", health.Status)
	}
	if health.Components["journal"] != "connected" {
		t.Errorf("journal = %v, want connected", health.Components["journal"])
	}
	brokerInfo, _ := health.Components["broker"].(map[string]any)
	if brokerInfo["connections"] != float64(1) {
		t.Errorf("broker component = %v, want 1 connection", brokerInfo)
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	srv := New(DefaultConfig(), broker.New(),
		WithHealthCheck("journal", func(ctx context.Context) error { return errors.New("connection refused") }),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_Stats(t *testing.T) {
	b := broker.New()
	id := broker.NewConnID()
	b.OnConnect(id, broker.HandleFunc(func([]byte) error { return nil }))
	b.Subscribe(id, "room1")
	b.Subscribe(id, "room2")
	b.Publish("room1", []byte("x"))

	srv := New(DefaultConfig(), b,
		WithStats("journal", func() any { return map[string]int{"dropped": 0} }),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if stats.Broker.Channels != 2 || stats.Broker.Published != 1 || stats.Broker.Deliveries != 1 {
		t.Errorf("Broker = %+v", stats.Broker)
	}
	if len(stats.Channels) != 2 || stats.Channels[0].Name != "room1" {
		t.Errorf("Channels = %+v", stats.Channels)
	}
	if _, ok := stats.Extra["journal"]; !ok {
		t.Error("journal stats missing")
	}
}

func TestServer_ConnectionStats(t *testing.T) {
	b := broker.New()
	id := broker.NewConnID()
	b.OnConnect(id, broker.HandleFunc(func([]byte) error { return nil }))
	b.Subscribe(id, "room2")
	b.Subscribe(id, "room1")

	srv := New(DefaultConfig(), b)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/connections/"+id.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var conn connectionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conn); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if conn.ID != id {
		t.Errorf("ID = %s, want %s", conn.ID, id)
	}
	if len(conn.Subscriptions) != 2 || conn.Subscriptions[0] != "room1" || conn.Subscriptions[1] != "room2" {
		t.Errorf("Subscriptions = %v, want [room1 room2]", conn.Subscriptions)
	}

	b.OnDisconnect(id)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/connections/"+id.String(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after disconnect = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/connections/not-an-id", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status for bad id = %d, want 400", rec.Code)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	b := broker.New()
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 2 * time.Second
	srv := New(cfg, b)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	conn := dial(t, "ws://"+ln.Addr().String()+"/")
	defer conn.Close()
	roundTrip(t, conn, `{"SUBSCRIBE":{"channel":"c"}}`)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if got := b.Stats().Connections; got != 0 {
		t.Errorf("Connections after shutdown = %d, want 0", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going away close", err)
	}
}
