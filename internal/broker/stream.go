package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuyash/auto-forex-web-service-sub002/internal/config"
	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Streams are newline-delimited JSON over a long-lived chunked response.
// Reconnection backs off through cfg.BackoffIntervals and gives up after
// cfg.MaxReconnectAttempts consecutive failures; the counter resets as
// soon as a connection delivers a line.

var defaultBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

const defaultMaxReconnects = 5

// streamClient has no response timeout: the connection is expected to
// stay open indefinitely.
func newStreamClient(token string) *resty.Client {
	return resty.New().
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("Accept", "application/json")
}

type streamCore struct {
	http        *resty.Client
	url         string
	backoff     []time.Duration
	maxAttempts int
	states      chan types.StreamState
	logger      *slog.Logger
}

func newStreamCore(c *Client, cfg config.StreamConfig, url string, logger *slog.Logger) streamCore {
	backoff := cfg.BackoffIntervals
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	max := cfg.MaxReconnectAttempts
	if max <= 0 {
		max = defaultMaxReconnects
	}
	return streamCore{
		http:        newStreamClient(c.token),
		url:         url,
		backoff:     backoff,
		maxAttempts: max,
		states:      make(chan types.StreamState, 8),
		logger:      logger,
	}
}

// States reports connection health changes. The channel is buffered and
// drops updates rather than blocking the stream loop.
func (s *streamCore) States() <-chan types.StreamState { return s.states }

func (s *streamCore) emitState(state types.StreamState) {
	select {
	case s.states <- state:
	default:
	}
}

// run drives the connect/read/backoff loop, calling handle for every
// non-empty line. Returns nil on context cancellation.
func (s *streamCore) run(ctx context.Context, handle func(line []byte) error) error {
	attempts := 0
	for {
		err := s.readOnce(ctx, handle, &attempts)
		if ctx.Err() != nil {
			s.emitState(types.StreamDisconnected)
			return nil
		}
		attempts++
		if attempts >= s.maxAttempts {
			s.emitState(types.StreamError)
			return types.E(types.KindRetryLimitExceeded,
				"stream gave up after %d consecutive failures: %v", attempts, err)
		}
		wait := s.backoff[min(attempts-1, len(s.backoff)-1)]
		s.logger.Warn("stream disconnected, reconnecting",
			"attempt", attempts, "wait", wait.String(), "error", err)
		s.emitState(types.StreamReconnecting)
		select {
		case <-ctx.Done():
			s.emitState(types.StreamDisconnected)
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *streamCore) readOnce(ctx context.Context, handle func(line []byte) error, attempts *int) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(s.url)
	if err != nil {
		return types.Wrap(types.KindTransport, err, "connect stream")
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return types.E(types.KindTransport, "stream: status %d", resp.StatusCode())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// A delivered line proves the connection is healthy.
		if *attempts != 0 {
			*attempts = 0
		}
		s.emitState(types.StreamConnected)
		if err := handle(line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return types.Wrap(types.KindTransport, err, "read stream")
	}
	return types.E(types.KindTransport, "stream closed by broker")
}

// ————————————————————————————————————————————————————————————————————————
// Transaction stream
// ————————————————————————————————————————————————————————————————————————

type txLine struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Time       string `json:"time"`
	AccountID  string `json:"accountID"`
	OrderID    string `json:"orderID"`
	TradeID    string `json:"tradeID"`
	Instrument string `json:"instrument"`
	Units      string `json:"units"`
	Price      string `json:"price"`
	PL         string `json:"pl"`
	Reason     string `json:"reason"`
}

// TransactionStream consumes an account's transaction feed.
type TransactionStream struct {
	streamCore
	accountID string
	out       chan types.Transaction
}

func (c *Client) NewTransactionStream(accountID string, cfg config.StreamConfig) *TransactionStream {
	url := fmt.Sprintf("%s/v3/accounts/%s/transactions/stream", c.streamBase, accountID)
	logger := c.logger.With("stream", "transactions", "account_id", accountID)
	return &TransactionStream{
		streamCore: newStreamCore(c, cfg, url, logger),
		accountID:  accountID,
		out:        make(chan types.Transaction, 64),
	}
}

// Transactions delivers parsed transactions, heartbeats included. The
// channel closes when Run returns.
func (t *TransactionStream) Transactions() <-chan types.Transaction { return t.out }

// Run blocks until the context is cancelled or reconnection attempts
// are exhausted.
func (t *TransactionStream) Run(ctx context.Context) error {
	defer close(t.out)
	return t.run(ctx, func(line []byte) error {
		var raw txLine
		if err := json.Unmarshal(line, &raw); err != nil {
			t.logger.Warn("unparseable transaction line", "error", err)
			return nil
		}
		tx := types.Transaction{
			ID:         raw.ID,
			Type:       normalizeTxType(raw.Type),
			AccountID:  raw.AccountID,
			OrderID:    raw.OrderID,
			TradeID:    raw.TradeID,
			Instrument: raw.Instrument,
			Units:      parseDecimal(raw.Units),
			Price:      parseDecimal(raw.Price),
			PL:         parseDecimal(raw.PL),
			Reason:     raw.Reason,
		}
		if tx.AccountID == "" {
			tx.AccountID = t.accountID
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw.Time); err == nil {
			tx.Time = ts
		}
		select {
		case t.out <- tx:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// normalizeTxType folds the broker's per-order-type reject and cancel
// variants (MARKET_ORDER_REJECT and friends) into the handled set.
func normalizeTxType(t string) types.TransactionType {
	switch {
	case t == string(types.TxHeartbeat):
		return types.TxHeartbeat
	case strings.HasSuffix(t, "ORDER_REJECT"):
		return types.TxOrderReject
	case strings.HasSuffix(t, "ORDER_CANCEL"):
		return types.TxOrderCancel
	}
	return types.TransactionType(t)
}

// ————————————————————————————————————————————————————————————————————————
// Pricing stream
// ————————————————————————————————————————————————————————————————————————

type priceLine struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Instrument string `json:"instrument"`
	Bids       []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

// PricingStream consumes live quotes for one instrument.
type PricingStream struct {
	streamCore
	instrument string
	out        chan types.Tick
}

func (c *Client) NewPricingStream(accountID, instrument string, cfg config.StreamConfig) *PricingStream {
	url := fmt.Sprintf("%s/v3/accounts/%s/pricing/stream?instruments=%s",
		c.streamBase, accountID, instrument)
	logger := c.logger.With("stream", "pricing", "instrument", instrument)
	return &PricingStream{
		streamCore: newStreamCore(c, cfg, url, logger),
		instrument: instrument,
		out:        make(chan types.Tick, 256),
	}
}

// Ticks delivers parsed quotes. The channel closes when Run returns.
func (p *PricingStream) Ticks() <-chan types.Tick { return p.out }

func (p *PricingStream) Run(ctx context.Context) error {
	defer close(p.out)
	return p.run(ctx, func(line []byte) error {
		var raw priceLine
		if err := json.Unmarshal(line, &raw); err != nil {
			p.logger.Warn("unparseable price line", "error", err)
			return nil
		}
		if raw.Type != "PRICE" || len(raw.Bids) == 0 || len(raw.Asks) == 0 {
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, raw.Time)
		if err != nil {
			ts = time.Now().UTC()
		}
		tick := types.NewTick(p.instrument, ts,
			parseDecimal(raw.Bids[0].Price), parseDecimal(raw.Asks[0].Price))
		select {
		case p.out <- tick:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
