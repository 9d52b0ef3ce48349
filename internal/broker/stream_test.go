package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

var fastStream = config.StreamConfig{
	MaxReconnectAttempts: 3,
	BackoffIntervals:     []time.Duration{time.Millisecond, time.Millisecond},
}

// writeLines flushes each line as its own chunk, then holds the
// connection open until the request context dies.
func writeLines(w http.ResponseWriter, r *http.Request, lines ...string) {
	flusher := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		flusher.Flush()
	}
	<-r.Context().Done()
}

func TestTransactionStreamDeliversAndNormalizes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/accounts/acct-1/transactions/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeLines(w, r,
			`{"type":"HEARTBEAT","time":"2025-06-02T09:00:00.000000000Z"}`,
			`{"type":"ORDER_FILL","id":"42","orderID":"41","tradeID":"43","instrument":"EUR_USD","units":"1000","price":"1.1002","time":"2025-06-02T09:00:01.000000000Z"}`,
			`{"type":"MARKET_ORDER_REJECT","id":"44","reason":"INSUFFICIENT_MARGIN","time":"2025-06-02T09:00:02.000000000Z"}`,
		)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BrokerConfig{
		RESTBaseURL: srv.URL, StreamBaseURL: srv.URL, APIToken: "test-token",
	}, slog.New(slog.DiscardHandler))
	stream := c.NewTransactionStream("acct-1", fastStream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	var got []types.Transaction
	for len(got) < 3 {
		select {
		case tx := <-stream.Transactions():
			got = append(got, tx)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out with %d transactions", len(got))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got[0].Type != types.TxHeartbeat {
		t.Errorf("tx[0].Type = %s, want HEARTBEAT", got[0].Type)
	}
	fill := got[1]
	if fill.Type != types.TxOrderFill || fill.OrderID != "41" || fill.TradeID != "43" {
		t.Errorf("fill = %+v", fill)
	}
	if !fill.Units.Equal(decimal.NewFromInt(1000)) || !fill.Price.Equal(decimal.RequireFromString("1.1002")) {
		t.Errorf("fill units/price = %s/%s", fill.Units, fill.Price)
	}
	if fill.AccountID != "acct-1" {
		t.Errorf("fill account = %q, want backfilled acct-1", fill.AccountID)
	}
	// Broker-specific reject variants fold into ORDER_REJECT.
	if got[2].Type != types.TxOrderReject || got[2].Reason != "INSUFFICIENT_MARGIN" {
		t.Errorf("reject = %+v", got[2])
	}
}

func TestStreamGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BrokerConfig{
		RESTBaseURL: srv.URL, StreamBaseURL: srv.URL, APIToken: "test-token",
	}, slog.New(slog.DiscardHandler))
	stream := c.NewTransactionStream("acct-1", fastStream)

	err := stream.Run(context.Background())
	if !types.IsKind(err, types.KindRetryLimitExceeded) {
		t.Fatalf("err = %v, want retry_limit_exceeded", err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("broker saw %d connects, want 3", n)
	}

	var last types.StreamState
	for {
		select {
		case s := <-stream.States():
			last = s
			continue
		default:
		}
		break
	}
	if last != types.StreamError {
		t.Errorf("final state = %s, want error", last)
	}
}

func TestStreamResetsFailureBudgetOnDeliveredLine(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1, 3:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			// Delivers a line, then drops. Without the reset the drop
			// plus the next 500 would exhaust the budget of three.
			flusher := w.(http.Flusher)
			fmt.Fprintln(w, `{"type":"HEARTBEAT","time":"2025-06-02T09:00:00Z"}`)
			flusher.Flush()
		default:
			writeLines(w, r, `{"type":"HEARTBEAT","time":"2025-06-02T09:00:10Z"}`)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BrokerConfig{
		RESTBaseURL: srv.URL, StreamBaseURL: srv.URL, APIToken: "test-token",
	}, slog.New(slog.DiscardHandler))
	stream := c.NewTransactionStream("acct-1", fastStream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	for received := 0; received < 2; {
		select {
		case <-stream.Transactions():
			received++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d heartbeats, %d connects", received, requests.Load())
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := requests.Load(); n < 4 {
		t.Errorf("broker saw %d connects, want at least 4", n)
	}
}

func TestPricingStreamParsesQuotes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/accounts/acct-1/pricing/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("instruments"); got != "EUR_USD" {
			t.Errorf("instruments = %q", got)
		}
		writeLines(w, r,
			`{"type":"PRICE","instrument":"EUR_USD","time":"2025-06-02T09:00:00.000000000Z","bids":[{"price":"1.1000"}],"asks":[{"price":"1.1002"}]}`,
			`{"type":"HEARTBEAT","time":"2025-06-02T09:00:05Z"}`,
			`{"type":"PRICE","instrument":"EUR_USD","time":"2025-06-02T09:00:06.000000000Z","bids":[{"price":"1.1001"}],"asks":[{"price":"1.1003"}]}`,
		)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.BrokerConfig{
		RESTBaseURL: srv.URL, StreamBaseURL: srv.URL, APIToken: "test-token",
	}, slog.New(slog.DiscardHandler))
	stream := c.NewPricingStream("acct-1", "EUR_USD", fastStream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	var ticks []types.Tick
	for len(ticks) < 2 {
		select {
		case tick := <-stream.Ticks():
			ticks = append(ticks, tick)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out with %d ticks", len(ticks))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := ticks[0]
	if first.Instrument != "EUR_USD" {
		t.Errorf("instrument = %q", first.Instrument)
	}
	if !first.Bid.Equal(decimal.RequireFromString("1.1000")) ||
		!first.Ask.Equal(decimal.RequireFromString("1.1002")) {
		t.Errorf("bid/ask = %s/%s", first.Bid, first.Ask)
	}
	if !first.Mid.Equal(decimal.RequireFromString("1.1001")) {
		t.Errorf("mid = %s, want 1.1001", first.Mid)
	}
}
