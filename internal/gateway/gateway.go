// Package gateway implements DownstreamGateway: a room-based WebSocket
// fan-out to subscribed clients with best-effort (volatile) delivery.
//
// Adapted from the teacher's connection.go Client/SubscriptionSet idiom and
// server.go's subscription-indexed broadcast(), but deliberately WITHOUT
// its replay buffer or slow-client 3-strike disconnect: the spec is
// explicit that delivery is volatile with no per-client queueing and no
// guaranteed delivery, so those two teacher features are not ported (see
// DESIGN.md).
package gateway

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/marketfeed/internal/metrics"
	"github.com/adred-codev/marketfeed/internal/model"
)

const sendBufferSize = 64

// Client is one accepted WebSocket connection and its room memberships.
type Client struct {
	id   int64
	conn net.Conn
	send chan []byte

	subs      *SubscriptionSet
	closeOnce sync.Once
}

// SubscriptionSet is a thread-safe set of room names, mirroring the
// teacher's SubscriptionSet in connection.go.
type SubscriptionSet struct {
	mu    sync.RWMutex
	rooms map[string]struct{}
}

func newSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{rooms: make(map[string]struct{})}
}

func (s *SubscriptionSet) add(room string)      { s.mu.Lock(); s.rooms[room] = struct{}{}; s.mu.Unlock() }
func (s *SubscriptionSet) remove(room string)   { s.mu.Lock(); delete(s.rooms, room); s.mu.Unlock() }
func (s *SubscriptionSet) has(room string) bool { s.mu.RLock(); _, ok := s.rooms[room]; s.mu.RUnlock(); return ok }
func (s *SubscriptionSet) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Gateway owns the accepted connections and the room index used for
// O(subscribers) fan-out, exactly as server.go's subscriptionIndex does.
type Gateway struct {
	logger    zerolog.Logger
	admission *Admission
	limiter   *rate.Limiter

	clientSeq atomic.Int64

	mu    sync.RWMutex
	rooms map[string][]*Client // room -> subscribed clients
}

// New builds a Gateway. admission may be nil to accept unconditionally.
// maxBroadcastRate bounds total outbound frames per second across every
// client (WS_MAX_BROADCAST_RATE), the server-wide ceiling the teacher's
// ResourceGuard enforces with the same library; 0 disables the ceiling.
func New(admission *Admission, maxBroadcastRate int, logger zerolog.Logger) *Gateway {
	var limiter *rate.Limiter
	if maxBroadcastRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxBroadcastRate), maxBroadcastRate)
	}
	return &Gateway{
		logger:    logger,
		admission: admission,
		limiter:   limiter,
		rooms:     make(map[string][]*Client),
	}
}

// Admit reports whether the admission controller currently allows a new
// connection, and a reason when it does not. Callers should check this
// before upgrading so a rejection costs no socket resources.
func (g *Gateway) Admit() (bool, string) {
	if g.admission == nil {
		return true, ""
	}
	return g.admission.Allow()
}

// HandleConn takes an already-upgraded net.Conn (from ws.UpgradeHTTP in the
// httpapi layer, after an Admission check) and runs its connection
// lifecycle until it disconnects.
func (g *Gateway) HandleConn(conn net.Conn) {
	id := g.clientSeq.Add(1)
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: newSubscriptionSet(),
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	if g.admission != nil {
		g.admission.Acquire()
	}
	g.logger.Debug().Int64("client_id", id).Msg("client connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go g.writePump(c, &wg)
	go g.readPump(c, &wg)
	wg.Wait()
}

func (g *Gateway) readPump(c *Client, wg *sync.WaitGroup) {
	defer wg.Done()
	defer g.disconnect(c)

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			g.handleMessage(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (g *Gateway) writePump(c *Client, wg *sync.WaitGroup) {
	defer wg.Done()
	for data := range c.send {
		if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
			c.closeOnce.Do(func() { _ = c.conn.Close() })
			return
		}
	}
}

func (g *Gateway) disconnect(c *Client) {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
	for _, room := range c.subs.list() {
		g.removeFromRoom(room, c)
	}
	close(c.send)
	metrics.ConnectionsActive.Dec()
	if g.admission != nil {
		g.admission.Release()
	}
}

// inboundMessage is the minimal envelope for subscribe/unsubscribe per
// spec §4.3. Symbol may arrive as a raw string or inside an object, hence
// the two-stage parse in handleMessage.
type inboundMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type ackMessage struct {
	Status  string `json:"status"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
}

func (g *Gateway) handleMessage(c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Fall back: payload might be a bare JSON string holding the symbol.
		var symbol string
		if err2 := json.Unmarshal(raw, &symbol); err2 == nil {
			msg.Symbol = symbol
		} else {
			g.reply(c, ackMessage{Status: "error", Message: "invalid message payload"})
			return
		}
	}

	symbol := model.Symbol(strings.TrimSpace(msg.Symbol)).Normalize()
	if symbol == "" {
		g.reply(c, ackMessage{Status: "error", Message: "missing symbol"})
		return
	}
	room := "prices:" + string(symbol)

	switch msg.Type {
	case "subscribe":
		c.subs.add(room)
		g.addToRoom(room, c)
		g.reply(c, ackMessage{Status: "success", Symbol: string(symbol)})
	case "unsubscribe":
		c.subs.remove(room)
		g.removeFromRoom(room, c)
		g.reply(c, ackMessage{Status: "success", Symbol: string(symbol)})
	default:
		g.reply(c, ackMessage{Status: "error", Message: "unknown message type"})
	}
}

func (g *Gateway) reply(c *Client, ack ackMessage) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	g.volatileSend(c, data)
}

func (g *Gateway) addToRoom(room string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms[room] = append(g.rooms[room], c)
	metrics.RoomMembers.WithLabelValues(room).Set(float64(len(g.rooms[room])))
}

func (g *Gateway) removeFromRoom(room string, c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := g.rooms[room]
	for i, m := range members {
		if m == c {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(g.rooms, room)
		metrics.RoomMembers.DeleteLabelValues(room)
		return
	}
	g.rooms[room] = members
	metrics.RoomMembers.WithLabelValues(room).Set(float64(len(members)))
}

// priceUpdate is the short-key outbound shape from spec §4.3.
type priceUpdate struct {
	S string `json:"s"`
	P string `json:"p"`
	T int64  `json:"t"`
}

// BroadcastPrice implements broker.Broadcaster / broadcast.Sink: volatile
// fan-out of a priceUpdate to every member of room.
func (g *Gateway) BroadcastPrice(room string, event model.PriceEvent) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		priceUpdate
	}{
		Type: "priceUpdate",
		priceUpdate: priceUpdate{
			S: string(event.Symbol),
			P: event.Price,
			T: event.Ts,
		},
	})
	if err != nil {
		return
	}
	g.fanOut(room, data)
}

// BroadcastKline implements broker.Broadcaster / broadcast.Sink: volatile
// fan-out of the full candle payload.
func (g *Gateway) BroadcastKline(room string, k model.Kline) {
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		model.Kline
	}{Type: "klineUpdate", Kline: k})
	if err != nil {
		return
	}
	g.fanOut(room, data)
}

func (g *Gateway) fanOut(room string, data []byte) {
	if g.limiter != nil && !g.limiter.Allow() {
		metrics.BroadcastsDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	g.mu.RLock()
	members := g.rooms[room]
	g.mu.RUnlock()

	for _, c := range members {
		g.volatileSend(c, data)
	}
}

// volatileSend attempts a single non-blocking send; on a full buffer the
// frame is dropped for that client and the next frame is attempted fresh,
// no retry, no queueing, per spec §4.3's delivery semantics.
func (g *Gateway) volatileSend(c *Client, data []byte) {
	select {
	case c.send <- data:
		metrics.BroadcastsSent.Inc()
	default:
		metrics.BroadcastsDropped.WithLabelValues("buffer_full").Inc()
	}
}

// RoomSize reports the current member count of a room (used by tests);
// returns 0 for an empty or unknown room.
func (g *Gateway) RoomSize(room string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[room])
}
