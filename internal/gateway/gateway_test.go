package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/model"
)

// newTestServer wires a Gateway behind a real HTTP upgrade endpoint so tests
// can drive it with an actual gobwas/ws client, exercising the same
// upgrade/readPump/writePump path the service runs in production.
func newTestServer(t *testing.T, gw *Gateway) (wsURL string, closeFn func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		go gw.HandleConn(conn)
	})
	srv := httptest.NewServer(mux)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/prices", srv.Close
}

type ackEnvelope struct {
	Status  string `json:"status"`
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

func readAck(t *testing.T, conn net.Conn) ackEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack ackEnvelope
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func waitForRoomSize(t *testing.T, gw *Gateway, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.RoomSize(room) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("RoomSize(%q) never reached %d, got %d", room, want, gw.RoomSize(room))
}

// TestSubscribeRoomMembershipRoundTrip covers P6: a client that subscribes
// shows up in the room index, a client that unsubscribes is removed.
func TestSubscribeRoomMembershipRoundTrip(t *testing.T) {
	gw := New(nil, 0, zerolog.Nop())
	wsURL, closeSrv := newTestServer(t, gw)
	defer closeSrv()

	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(map[string]string{"type": "subscribe", "symbol": "btcusdt"})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readAck(t, conn); ack.Status != "success" || ack.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected subscribe ack: %+v", ack)
	}
	waitForRoomSize(t, gw, "prices:BTCUSDT", 1)

	unsub, _ := json.Marshal(map[string]string{"type": "unsubscribe", "symbol": "btcusdt"})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, unsub); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if ack := readAck(t, conn); ack.Status != "success" {
		t.Fatalf("unexpected unsubscribe ack: %+v", ack)
	}
	waitForRoomSize(t, gw, "prices:BTCUSDT", 0)
}

// TestDisconnectRemovesFromRoom covers the other half of P6: a client that
// drops off without unsubscribing is still removed from every room it had
// joined.
func TestDisconnectRemovesFromRoom(t *testing.T) {
	gw := New(nil, 0, zerolog.Nop())
	wsURL, closeSrv := newTestServer(t, gw)
	defer closeSrv()

	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	sub, _ := json.Marshal(map[string]string{"type": "subscribe", "symbol": "ethusdt"})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	readAck(t, conn)
	waitForRoomSize(t, gw, "prices:ETHUSDT", 1)

	conn.Close()
	waitForRoomSize(t, gw, "prices:ETHUSDT", 0)
}

// TestBroadcastPriceDeliversToSubscriber covers the fan-out half of the
// contract: BroadcastPrice must reach a subscribed client's socket.
func TestBroadcastPriceDeliversToSubscriber(t *testing.T) {
	gw := New(nil, 0, zerolog.Nop())
	wsURL, closeSrv := newTestServer(t, gw)
	defer closeSrv()

	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(map[string]string{"type": "subscribe", "symbol": "btcusdt"})
	_ = wsutil.WriteClientMessage(conn, ws.OpText, sub)
	readAck(t, conn) // drain the subscribe ack
	waitForRoomSize(t, gw, "prices:BTCUSDT", 1)

	gw.BroadcastPrice("prices:BTCUSDT", model.PriceEvent{Symbol: "BTCUSDT", Price: "67000.00", Ts: 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var payload struct {
		Type string `json:"type"`
		S    string `json:"s"`
		P    string `json:"p"`
	}
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("unmarshal broadcast payload: %v", err)
	}
	if payload.Type != "priceUpdate" || payload.S != "BTCUSDT" || payload.P != "67000.00" {
		t.Errorf("unexpected broadcast payload: %+v", payload)
	}
}

// TestBareStringSubscribePayloadWithoutTypeErrors covers the two-stage parse
// fallback: a bare JSON string is parsed as the symbol, with no "type".
// handleMessage treats a missing/unknown type as an error ack, so this
// documents that the fallback only recovers the symbol, not the intent;
// callers must still send {"type":"subscribe","symbol":"..."}.
func TestBareStringSubscribePayloadWithoutTypeErrors(t *testing.T) {
	gw := New(nil, 0, zerolog.Nop())
	wsURL, closeSrv := newTestServer(t, gw)
	defer closeSrv()

	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bare, _ := json.Marshal("btcusdt")
	if err := wsutil.WriteClientMessage(conn, ws.OpText, bare); err != nil {
		t.Fatalf("write bare symbol: %v", err)
	}
	ack := readAck(t, conn)
	if ack.Status != "error" {
		t.Fatalf("expected an error ack for a typeless payload, got %+v", ack)
	}
}
