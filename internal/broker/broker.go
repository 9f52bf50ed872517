// Package broker fans price events out across service replicas over NATS
// core pub/sub, the way the teacher's channels.go maps WebSocket channels to
// NATS subjects, adapted from token/user/global channels to price rooms.
package broker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/logging"
	"github.com/adred-codev/marketfeed/internal/metrics"
	"github.com/adred-codev/marketfeed/internal/model"
)

// roomPattern matches the public room name "prices:<SYMBOL>" used in
// subscribe acks and documentation.
var roomPattern = regexp.MustCompile(`^prices:([A-Za-z0-9_-]+)$`)

// RoomToSubject translates the wire-facing room name into the internal NATS
// subject. NATS subjects cannot contain ':', so the colon separator is
// translated to a dot at this one boundary; nothing outside this package
// should ever see a NATS subject.
func RoomToSubject(room string) (string, bool) {
	m := roomPattern.FindStringSubmatch(room)
	if m == nil {
		return "", false
	}
	return "prices." + m[1], true
}

// SubjectToRoom is the inverse of RoomToSubject.
func SubjectToRoom(subject string) (string, bool) {
	if !strings.HasPrefix(subject, "prices.") {
		return "", false
	}
	sym := strings.TrimPrefix(subject, "prices.")
	if sym == "" {
		return "", false
	}
	return "prices:" + sym, true
}

// Broadcaster is the local fan-out sink a Client hands received events to.
// Kept as an interface (rather than a concrete DownstreamGateway import) so
// broker never depends on gateway: gateway depends on broker, not the
// reverse.
type Broadcaster interface {
	BroadcastPrice(room string, event model.PriceEvent)
	BroadcastKline(room string, k model.Kline)
}

// Client owns the NATS connection used both to publish local upstream events
// to other replicas and to receive events published by them.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
	sink   Broadcaster
	subs   []*nats.Subscription
}

// Connect dials NATS with unlimited reconnects at a fixed 2s wait, and
// records connect/disconnect/reconnect through the audit log.
func Connect(url string, logger zerolog.Logger) (*Client, error) {
	audit := logging.NewAuditLog(logger)
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1), // retry indefinitely; this is a long-lived service process
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			audit.Critical("NATSDisconnected", "lost connection to broker", map[string]any{"error": err.Error()})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metrics.NATSConnected.Set(1)
			audit.Info("NATSReconnected", "reconnected to broker", nil)
		}),
	)
	if err != nil {
		audit.Critical("NATSConnectionFailed", "failed to connect to broker", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	metrics.NATSConnected.Set(1)
	audit.Info("NATSConnected", "connected to broker successfully", nil)

	return &Client{conn: conn, logger: logger}, nil
}

// SetSink attaches the local fan-out target. Must be called before Start.
func (c *Client) SetSink(sink Broadcaster) {
	c.sink = sink
}

// Start pattern-subscribes once to prices.* and delivers each received
// message to the local sink. A kline-sourced price event (Source ==
// SourceKline) additionally has its raw kline frame decoded into a Kline
// and broadcast on klineUpdate; there is no separate kline subject.
func (c *Client) Start() error {
	priceSub, err := c.conn.Subscribe("prices.*", c.handlePrice)
	if err != nil {
		return fmt.Errorf("subscribe prices.*: %w", err)
	}
	c.subs = append(c.subs, priceSub)
	return nil
}

func (c *Client) handlePrice(msg *nats.Msg) {
	room, ok := SubjectToRoom(msg.Subject)
	if !ok {
		return
	}
	var evt model.PriceEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		c.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed price event")
		return
	}
	if c.sink == nil {
		return
	}

	// Kline-derived: broadcast the candle first, then the price, matching
	// the ordering the originating replica emits them in.
	if evt.Source == model.SourceKline {
		if k, err := model.DecodeRawKline(evt.Raw); err == nil {
			c.sink.BroadcastKline(room, k)
		} else {
			c.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed kline-derived price event")
			return
		}
	}
	c.sink.BroadcastPrice(room, evt)
}

// PublishPrice publishes a price tick so every replica's gateway (including
// this one, via the subscription loop) can fan it out to its own clients.
func (c *Client) PublishPrice(room string, evt model.PriceEvent) error {
	subject, ok := RoomToSubject(room)
	if !ok {
		return fmt.Errorf("invalid room %q", room)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal price event: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// Close drains subscriptions and closes the underlying connection. Part of
// the graceful-shutdown ordering: called after the local gateway has been
// given a chance to flush pending sends.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
	metrics.NATSConnected.Set(0)
}
