package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Redis channels carrying fan-out traffic between workers. Ticks and
// position updates are per account; admin notifications share one
// channel.
const (
	tickChannelPrefix     = "fx:ticks:"     // fx:ticks:<account>:<instrument>
	positionChannelPrefix = "fx:positions:" // fx:positions:<account>
	adminChannel          = "fx:admin"
)

// Publisher pushes fan-out events onto redis so every worker's hub sees
// them, not just the one that produced them.
type Publisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewPublisher(rdb *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger.With("component", "ws-publisher")}
}

func (p *Publisher) PublishTick(ctx context.Context, accountID string, tick types.Tick) error {
	channel := tickChannelPrefix + accountID + ":" + tick.Instrument
	if err := p.rdb.Publish(ctx, channel, EncodeTick(tick)).Err(); err != nil {
		return types.Wrap(types.KindTransport, err, "publish tick")
	}
	return nil
}

// PositionUpdate is the wire shape of one position P&L refresh.
type PositionUpdate struct {
	Type          string `json:"type"`
	AccountID     string `json:"account_id"`
	Instrument    string `json:"instrument"`
	Direction     string `json:"direction"`
	Units         string `json:"units"`
	UnrealizedPnl string `json:"unrealized_pnl"`
	RealizedPnl   string `json:"realized_pnl"`
	Time          string `json:"timestamp"`
}

func (p *Publisher) PublishPosition(ctx context.Context, update PositionUpdate) error {
	update.Type = "position_update"
	if update.Time == "" {
		update.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(update)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "encode position update")
	}
	channel := positionChannelPrefix + update.AccountID
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return types.Wrap(types.KindTransport, err, "publish position update")
	}
	return nil
}

func (p *Publisher) PublishAdmin(ctx context.Context, payload map[string]any) error {
	if payload["type"] == nil {
		payload["type"] = "notification"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "encode admin notification")
	}
	if err := p.rdb.Publish(ctx, adminChannel, data).Err(); err != nil {
		return types.Wrap(types.KindTransport, err, "publish admin notification")
	}
	return nil
}

// Bridge subscribes to the fan-out channels and republishes into the
// local hub. Redis preserves per-channel publish order, so tick
// monotonicity carries across workers.
type Bridge struct {
	rdb    *redis.Client
	hub    *Hub
	logger *slog.Logger
}

func NewBridge(rdb *redis.Client, hub *Hub, logger *slog.Logger) *Bridge {
	return &Bridge{rdb: rdb, hub: hub, logger: logger.With("component", "ws-bridge")}
}

func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, tickChannelPrefix+"*", positionChannelPrefix+"*", adminChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return types.E(types.KindTransport, "fan-out subscription closed")
			}
			group, batchable, ok := routeChannel(msg.Channel)
			if !ok {
				b.logger.Warn("message on unroutable channel", "channel", msg.Channel)
				continue
			}
			b.hub.Publish(group, []byte(msg.Payload), batchable)
		}
	}
}

// routeChannel maps a redis channel to the hub group it feeds. Only
// ticks are batchable.
func routeChannel(channel string) (group string, batchable, ok bool) {
	switch {
	case strings.HasPrefix(channel, tickChannelPrefix):
		return "ticks:" + strings.TrimPrefix(channel, tickChannelPrefix), true, true
	case strings.HasPrefix(channel, positionChannelPrefix):
		return PositionGroup(strings.TrimPrefix(channel, positionChannelPrefix)), false, true
	case channel == adminChannel:
		return AdminGroup, false, true
	default:
		return "", false, false
	}
}
