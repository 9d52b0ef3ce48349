package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

const testSecret = "test-secret"

func newWSServer(t *testing.T) (*Hub, *Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(hub, config.RealtimeConfig{
		JWTSecret:     testSecret,
		BatchSize:     10,
		BatchInterval: 100 * time.Millisecond,
	}, logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return hub, srv, ts
}

func mintToken(t *testing.T, secret string, accounts []string, staff bool) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Accounts: accounts,
		Staff:    staff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func dial(t *testing.T, ts *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http", "ws", 1) + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return m
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != code {
		t.Fatalf("close code = %d, want %d", closeErr.Code, code)
	}
}

func waitForGroup(t *testing.T, hub *Hub, group string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GroupSize(group) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no client joined group %s", group)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func tickAt(ts time.Time, mid string) types.Tick {
	m := decimal.RequireFromString(mid)
	spread := decimal.RequireFromString("0.0002")
	return types.NewTick("EUR_USD", ts, m.Sub(spread), m.Add(spread))
}

func TestMarketDataWithoutTokenCloses4001(t *testing.T) {
	t.Parallel()
	_, _, ts := newWSServer(t)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", "")
	expectClose(t, conn, CloseUnauthenticated)
}

func TestMarketDataBadSignatureCloses4001(t *testing.T) {
	t.Parallel()
	_, _, ts := newWSServer(t)
	token := mintToken(t, "some-other-secret", []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	expectClose(t, conn, CloseUnauthenticated)
}

func TestMarketDataWrongAccountCloses4003(t *testing.T) {
	t.Parallel()
	_, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-2/EUR_USD/", token)
	expectClose(t, conn, CloseForbidden)
}

func TestAdminRequiresStaff(t *testing.T) {
	t.Parallel()
	_, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/admin/notifications/", token)
	expectClose(t, conn, CloseForbidden)
}

func TestTicksDeliveredUnbatchedByDefault(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	hub.PublishTick("acct-1", tickAt(base, "1.1000"))

	msg := readJSON(t, conn)
	if msg["type"] != "tick" || msg["instrument"] != "EUR_USD" {
		t.Fatalf("message = %v, want a single tick", msg)
	}
	if msg["mid"] != "1.1" {
		t.Errorf("mid = %v, want 1.1", msg["mid"])
	}
}

func configureBatch(t *testing.T, conn *websocket.Conn, size, intervalMS int) {
	t.Helper()
	req := map[string]any{
		"action": "configure_batch", "enabled": true,
		"batch_size": size, "batch_interval_ms": intervalMS,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != "batch_configured" {
		t.Fatalf("ack = %v, want batch_configured", ack)
	}
}

func batchTimestamps(t *testing.T, msg map[string]any) []time.Time {
	t.Helper()
	raw, ok := msg["ticks"].([]any)
	if !ok {
		t.Fatalf("message %v carries no ticks array", msg)
	}
	out := make([]time.Time, 0, len(raw))
	for _, entry := range raw {
		tick := entry.(map[string]any)
		ts, err := time.Parse(time.RFC3339Nano, tick["timestamp"].(string))
		if err != nil {
			t.Fatalf("parse timestamp: %v", err)
		}
		out = append(out, ts)
	}
	return out
}

func TestBatchFlushesOnSize(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))
	configureBatch(t, conn, 3, 1000)

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		hub.PublishTick("acct-1", tickAt(base.Add(time.Duration(i)*time.Second), "1.1000"))
	}

	msg := readJSON(t, conn)
	if msg["type"] != "tick_batch" || msg["count"] != float64(3) {
		t.Fatalf("message = %v, want a 3-tick batch", msg)
	}
	stamps := batchTimestamps(t, msg)
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Fatalf("timestamps out of order at %d: %v", i, stamps)
		}
	}
}

func TestBatchFlushesOnInterval(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))
	configureBatch(t, conn, 50, 50)

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	hub.PublishTick("acct-1", tickAt(base, "1.1000"))
	hub.PublishTick("acct-1", tickAt(base.Add(time.Second), "1.1001"))

	// Well below batch_size, so only the interval can flush these.
	msg := readJSON(t, conn)
	if msg["type"] != "tick_batch" || msg["count"] != float64(2) {
		t.Fatalf("message = %v, want a 2-tick interval flush", msg)
	}
}

func TestConsecutiveBatchesPreserveOrder(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))
	configureBatch(t, conn, 2, 1000)

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		hub.PublishTick("acct-1", tickAt(base.Add(time.Duration(i)*time.Second), "1.1000"))
	}

	var all []time.Time
	for b := 0; b < 2; b++ {
		msg := readJSON(t, conn)
		if msg["type"] != "tick_batch" || msg["count"] != float64(2) {
			t.Fatalf("batch %d = %v, want 2 ticks", b, msg)
		}
		all = append(all, batchTimestamps(t, msg)...)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Before(all[i-1]) {
			t.Fatalf("order broke across batches at %d: %v", i, all)
		}
	}
}

func TestConfigureBatchRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))

	if err := conn.WriteJSON(map[string]any{
		"action": "configure_batch", "enabled": true,
		"batch_size": 1000, "batch_interval_ms": 100,
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "error" {
		t.Fatalf("message = %v, want an error", msg)
	}
}

func TestConfigureBatchFallsBackToServerDefaults(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/market-data/acct-1/EUR_USD/", token)
	waitForGroup(t, hub, TickGroup("acct-1", "EUR_USD"))

	// Enabling without a size or interval picks up the server's
	// configured ws_batch_size and ws_batch_interval.
	if err := conn.WriteJSON(map[string]any{"action": "configure_batch", "enabled": true}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != "batch_configured" ||
		ack["batch_size"] != float64(10) || ack["batch_interval_ms"] != float64(100) {
		t.Fatalf("ack = %v, want the server defaults 10/100ms", ack)
	}

	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		hub.PublishTick("acct-1", tickAt(base.Add(time.Duration(i)*time.Second), "1.1000"))
	}
	msg := readJSON(t, conn)
	if msg["type"] != "tick_batch" || msg["count"] != float64(10) {
		t.Fatalf("message = %v, want a full 10-tick batch", msg)
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, []string{"acct-1"}, false)
	conn := dial(t, ts, "/ws/positions/acct-1/", token)
	waitForGroup(t, hub, PositionGroup("acct-1"))

	if err := conn.WriteJSON(map[string]any{"action": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "pong" {
		t.Fatalf("message = %v, want pong", msg)
	}
}

func TestStaffCanWatchAnyAccount(t *testing.T) {
	t.Parallel()
	hub, _, ts := newWSServer(t)
	token := mintToken(t, testSecret, nil, true)
	conn := dial(t, ts, "/ws/positions/acct-9/", token)
	waitForGroup(t, hub, PositionGroup("acct-9"))

	hub.PublishJSON(PositionGroup("acct-9"), map[string]any{
		"type": "position_update", "account_id": "acct-9",
	})
	if msg := readJSON(t, conn); msg["type"] != "position_update" {
		t.Fatalf("message = %v, want position update", msg)
	}
}

func TestDemoStreamEmitsReminder(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.DiscardHandler)
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := NewServer(hub, config.RealtimeConfig{
		JWTSecret:     testSecret,
		BatchSize:     10,
		BatchInterval: 100 * time.Millisecond,
	}, logger)
	srv.demoEvery = time.Millisecond
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	// Any authenticated user may watch the demo account.
	token := mintToken(t, testSecret, nil, false)
	conn := dial(t, ts, "/ws/market-data/default/EUR_USD/", token)

	ticksSeen, noticeSeen := 0, false
	deadline := time.Now().Add(5 * time.Second)
	for !noticeSeen && time.Now().Before(deadline) {
		msg := readJSON(t, conn)
		switch msg["type"] {
		case "tick":
			ticksSeen++
		case "demo_notice":
			noticeSeen = true
		}
	}
	if !noticeSeen {
		t.Fatal("no demo reminder observed")
	}
	if ticksSeen < DemoNoticeEvery-1 {
		t.Errorf("reminder arrived after only %d ticks", ticksSeen)
	}
}

func TestRouteChannel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		channel   string
		group     string
		batchable bool
		ok        bool
	}{
		{"fx:ticks:acct-1:EUR_USD", "ticks:acct-1:EUR_USD", true, true},
		{"fx:positions:acct-1", "positions:acct-1", false, true},
		{"fx:admin", AdminGroup, false, true},
		{"fx:unknown", "", false, false},
	}
	for _, tt := range tests {
		group, batchable, ok := routeChannel(tt.channel)
		if group != tt.group || batchable != tt.batchable || ok != tt.ok {
			t.Errorf("routeChannel(%s) = (%s, %v, %v), want (%s, %v, %v)",
				tt.channel, group, batchable, ok, tt.group, tt.batchable, tt.ok)
		}
	}
}

func TestBatchConfigValidation(t *testing.T) {
	t.Parallel()
	defaults := BatchConfig{Size: 25, Interval: 250 * time.Millisecond}
	tests := []struct {
		name         string
		cmd          clientCommand
		wantErr      bool
		wantSize     int
		wantInterval time.Duration
	}{
		{"valid", clientCommand{Enabled: true, BatchSize: 10, BatchIntervalMS: 100}, false, 10, 100 * time.Millisecond},
		{"bounds", clientCommand{Enabled: true, BatchSize: 100, BatchIntervalMS: 1000}, false, 100, time.Second},
		{"minimum", clientCommand{Enabled: true, BatchSize: 1, BatchIntervalMS: 10}, false, 1, 10 * time.Millisecond},
		{"size too big", clientCommand{Enabled: true, BatchSize: 101, BatchIntervalMS: 100}, true, 0, 0},
		{"size unset uses server default", clientCommand{Enabled: true, BatchIntervalMS: 100}, false, 25, 100 * time.Millisecond},
		{"interval unset uses server default", clientCommand{Enabled: true, BatchSize: 5}, false, 5, 250 * time.Millisecond},
		{"both unset use server defaults", clientCommand{Enabled: true}, false, 25, 250 * time.Millisecond},
		{"interval too short", clientCommand{Enabled: true, BatchSize: 10, BatchIntervalMS: 5}, true, 0, 0},
		{"interval too long", clientCommand{Enabled: true, BatchSize: 10, BatchIntervalMS: 2000}, true, 0, 0},
		{"disabled skips validation", clientCommand{Enabled: false, BatchSize: 0}, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := batchConfigFrom(tt.cmd, defaults)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Size != tt.wantSize || got.Interval != tt.wantInterval {
				t.Fatalf("config = %d/%s, want %d/%s", got.Size, got.Interval, tt.wantSize, tt.wantInterval)
			}
		})
	}
}
