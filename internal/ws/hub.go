// Package ws is the realtime fan-out layer: a hub of named subscription
// groups, per-connection batching, JWT-gated endpoints, and a redis
// pub/sub bridge so events published on one worker reach clients
// connected to another.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Group names. Ticks fan out per (account, instrument), position updates
// per account, and admin notifications to a single staff-only group.

func TickGroup(accountID, instrument string) string {
	return "ticks:" + accountID + ":" + instrument
}

func PositionGroup(accountID string) string {
	return "positions:" + accountID
}

const AdminGroup = "admin"

// outbound is one message queued to a client. Batchable messages (ticks)
// may be buffered by the client's write pump; everything else flushes the
// buffer and goes out immediately so ordering is preserved.
type outbound struct {
	data      []byte
	batchable bool
}

type subscription struct {
	client *Client
	groups []string
}

type publication struct {
	group string
	msg   outbound
}

type direct struct {
	client *Client
	msg    outbound
}

// Hub routes published messages to the clients subscribed to each group.
// The Run goroutine is the only sender on (and closer of) client queues,
// so a dropped client can never be written to.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	groups     map[string]map[*Client]bool
	register   chan subscription
	unregister chan *Client
	publish    chan publication
	direct     chan direct
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan subscription),
		unregister: make(chan *Client),
		publish:    make(chan publication, 256),
		direct:     make(chan direct, 64),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run drives the hub loop until the context ends. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.client] = true
			for _, g := range sub.groups {
				if h.groups[g] == nil {
					h.groups[g] = make(map[*Client]bool)
				}
				h.groups[g][sub.client] = true
			}
			h.mu.Unlock()
			h.logger.Info("client connected", "groups", sub.groups)

		case client := <-h.unregister:
			h.drop(client)

		case pub := <-h.publish:
			h.mu.RLock()
			members := h.groups[pub.group]
			var slow []*Client
			for client := range members {
				select {
				case client.send <- pub.msg:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// A client that cannot drain its queue is dropped rather
			// than allowed to stall the group.
			for _, client := range slow {
				h.drop(client)
			}

		case d := <-h.direct:
			h.mu.RLock()
			alive := h.clients[d.client]
			h.mu.RUnlock()
			if !alive {
				continue
			}
			select {
			case d.client.send <- d.msg:
			default:
				h.drop(d.client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	for g, members := range h.groups {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, g)
		}
	}
	close(client.send)
	h.logger.Info("client disconnected")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.groups = make(map[string]map[*Client]bool)
}

// GroupSize reports how many clients a group currently has.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish queues raw bytes to a group, dropping when the hub is saturated.
func (h *Hub) Publish(group string, data []byte, batchable bool) {
	select {
	case h.publish <- publication{group: group, msg: outbound{data: data, batchable: batchable}}:
	default:
		h.logger.Warn("publish queue full, dropping message", "group", group)
	}
}

// sendTo queues a message for a single client, routed through the hub
// loop so it cannot race the client being dropped.
func (h *Hub) sendTo(client *Client, data []byte) {
	select {
	case h.direct <- direct{client: client, msg: outbound{data: data}}:
	default:
		h.logger.Warn("direct queue full, dropping reply")
	}
}

// TickMessage is the wire shape of one quote update.
type TickMessage struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Time       string `json:"timestamp"`
	Bid        string `json:"bid"`
	Ask        string `json:"ask"`
	Mid        string `json:"mid"`
}

// EncodeTick marshals a tick for fan-out.
func EncodeTick(tick types.Tick) []byte {
	data, _ := json.Marshal(TickMessage{
		Type:       "tick",
		Instrument: tick.Instrument,
		Time:       tick.Time.Format(time.RFC3339Nano),
		Bid:        tick.Bid.String(),
		Ask:        tick.Ask.String(),
		Mid:        tick.Mid.String(),
	})
	return data
}

// PublishTick fans one quote out to its (account, instrument) group.
func (h *Hub) PublishTick(accountID string, tick types.Tick) {
	h.Publish(TickGroup(accountID, tick.Instrument), EncodeTick(tick), true)
}

// PublishJSON marshals v and queues it unbatched.
func (h *Hub) PublishJSON(group string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode fan-out message", "group", group, "error", err)
		return
	}
	h.Publish(group, data, false)
}
