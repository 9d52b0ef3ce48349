package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errBatchSize     = errors.New("batch_size must be between 1 and 100")
	errBatchInterval = errors.New("batch_interval_ms must be between 10 and 1000")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	minBatchSize     = 1
	maxBatchSize     = 100
	minBatchInterval = 10 * time.Millisecond
	maxBatchInterval = time.Second
)

// BatchConfig is the per-connection tick buffering contract. Disabled
// means every tick goes out as its own frame.
type BatchConfig struct {
	Enabled  bool
	Size     int
	Interval time.Duration
}

// Client is one WebSocket connection with its own send queue and
// batching state. The write pump owns the connection for writes; the
// read pump handles keep-alives and batch reconfiguration.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound
	// defaults carries the server-configured batch size and interval,
	// used when a client enables batching without supplying its own.
	defaults BatchConfig
	cfgCh    chan BatchConfig
	logger   *slog.Logger
}

// NewClient registers the connection with the hub's groups and starts
// both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, groups []string, cfg BatchConfig, logger *slog.Logger) *Client {
	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan outbound, 256),
		defaults: cfg,
		cfgCh:    make(chan BatchConfig, 1),
		logger:   logger,
	}
	hub.register <- subscription{client: client, groups: groups}
	go client.writePump(cfg)
	go client.readPump()
	return client
}

type tickBatch struct {
	Type  string            `json:"type"`
	Count int               `json:"count"`
	Ticks []json.RawMessage `json:"ticks"`
}

// writePump drains the send queue, buffering batchable messages per the
// active BatchConfig. The buffer flushes when it reaches the configured
// size, when the interval elapses, and before any unbatched frame or
// disconnect so clients never observe reordering.
func (c *Client) writePump(cfg BatchConfig) {
	ping := time.NewTicker(pingPeriod)
	flushTimer := time.NewTimer(maxBatchInterval)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	timerArmed := false
	var buf []json.RawMessage

	defer func() {
		ping.Stop()
		flushTimer.Stop()
		c.conn.Close()
	}()

	write := func(data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	flush := func() bool {
		if timerArmed {
			if !flushTimer.Stop() {
				select {
				case <-flushTimer.C:
				default:
				}
			}
			timerArmed = false
		}
		if len(buf) == 0 {
			return true
		}
		data, err := json.Marshal(tickBatch{Type: "tick_batch", Count: len(buf), Ticks: buf})
		buf = nil
		if err != nil {
			c.logger.Error("encode batch", "error", err)
			return true
		}
		return write(data)
	}

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				flush()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if out.batchable && cfg.Enabled {
				buf = append(buf, json.RawMessage(out.data))
				if len(buf) >= cfg.Size {
					if !flush() {
						return
					}
				} else if !timerArmed {
					flushTimer.Reset(cfg.Interval)
					timerArmed = true
				}
				continue
			}
			if !flush() || !write(out.data) {
				return
			}

		case <-flushTimer.C:
			timerArmed = false
			if !flush() {
				return
			}

		case next := <-c.cfgCh:
			// Ticks buffered under the old settings go out before the
			// new ones apply.
			if !flush() {
				return
			}
			cfg = next

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientCommand is the inbound message surface: keep-alive pings and
// batch reconfiguration.
type clientCommand struct {
	Action          string `json:"action"`
	Enabled         bool   `json:"enabled"`
	BatchSize       int    `json:"batch_size"`
	BatchIntervalMS int    `json:"batch_interval_ms"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read", "error", err)
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.reply(map[string]any{"type": "error", "message": "malformed message"})
			continue
		}
		switch cmd.Action {
		case "ping":
			c.reply(map[string]any{"type": "pong"})
		case "configure_batch":
			cfg, err := batchConfigFrom(cmd, c.defaults)
			if err != nil {
				c.reply(map[string]any{"type": "error", "message": err.Error()})
				continue
			}
			select {
			case c.cfgCh <- cfg:
				c.reply(map[string]any{
					"type": "batch_configured", "enabled": cfg.Enabled,
					"batch_size": cfg.Size, "batch_interval_ms": int(cfg.Interval / time.Millisecond),
				})
			default:
				c.reply(map[string]any{"type": "error", "message": "configuration change already pending"})
			}
		default:
			c.reply(map[string]any{"type": "error", "message": "unknown action"})
		}
	}
}

// reply queues a control response via the hub so the send queue is only
// ever written from the hub loop.
func (c *Client) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.sendTo(c, data)
}

// batchConfigFrom builds the new batch settings from a client command,
// falling back to the server-configured defaults for any value the
// client leaves unset.
func batchConfigFrom(cmd clientCommand, defaults BatchConfig) (BatchConfig, error) {
	cfg := BatchConfig{
		Enabled:  cmd.Enabled,
		Size:     cmd.BatchSize,
		Interval: time.Duration(cmd.BatchIntervalMS) * time.Millisecond,
	}
	if !cfg.Enabled {
		return BatchConfig{}, nil
	}
	if cfg.Size == 0 {
		cfg.Size = defaults.Size
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Size < minBatchSize || cfg.Size > maxBatchSize {
		return BatchConfig{}, errBatchSize
	}
	if cfg.Interval < minBatchInterval || cfg.Interval > maxBatchInterval {
		return BatchConfig{}, errBatchInterval
	}
	return cfg, nil
}
