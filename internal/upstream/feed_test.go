package upstream

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/model"
)

// recordingHandler captures decoded events for assertion without needing a
// live upstream connection.
type recordingHandler struct {
	prices []model.PriceEvent
	klines []model.Kline
	closed []bool
}

func (r *recordingHandler) OnPriceEvent(e model.PriceEvent) {
	r.prices = append(r.prices, e)
}

func (r *recordingHandler) OnKline(k model.Kline, isClosed bool) {
	r.klines = append(r.klines, k)
	r.closed = append(r.closed, isClosed)
}

func TestHandleFrameMiniTicker(t *testing.T) {
	h := &recordingHandler{}
	f := New("wss://example", []string{"btcusdt@miniTicker"}, h, zerolog.Nop())

	raw := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"67000.50"}}`)
	f.handleFrame(raw)

	if len(h.prices) != 1 {
		t.Fatalf("expected 1 price event, got %d", len(h.prices))
	}
	got := h.prices[0]
	if got.Symbol != "BTCUSDT" || got.Price != "67000.50" || got.Ts != 1700000000000 || got.Source != model.SourceMiniTicker {
		t.Errorf("unexpected decoded event: %+v", got)
	}
}

func TestHandleFrameTrade(t *testing.T) {
	h := &recordingHandler{}
	f := New("wss://example", []string{"ethusdt@trade"}, h, zerolog.Nop())

	raw := []byte(`{"stream":"ethusdt@trade","data":{"e":"trade","E":1700000001000,"s":"ethusdt","p":"3500.25"}}`)
	f.handleFrame(raw)

	if len(h.prices) != 1 {
		t.Fatalf("expected 1 price event, got %d", len(h.prices))
	}
	got := h.prices[0]
	if got.Symbol != "ETHUSDT" || got.Price != "3500.25" || got.Source != model.SourceTrade {
		t.Errorf("unexpected decoded event: %+v", got)
	}
}

func TestHandleFrameKlineEmitsBothPriceAndKline(t *testing.T) {
	h := &recordingHandler{}
	f := New("wss://example", []string{"btcusdt@kline_1m"}, h, zerolog.Nop())

	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000002000,"s":"BTCUSDT",
		"k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"66900.00","h":"67050.00","l":"66850.00",
		"c":"67000.50","v":"120.5","n":842,"x":true,"q":"8072310.25","V":"60.1","Q":"4029000.10"}}}`)
	f.handleFrame(raw)

	if len(h.prices) != 1 {
		t.Fatalf("expected 1 price event from the kline frame, got %d", len(h.prices))
	}
	if len(h.klines) != 1 {
		t.Fatalf("expected 1 kline, got %d", len(h.klines))
	}
	k := h.klines[0]
	if k.Symbol != "BTCUSDT" || k.Interval != model.Interval1m || k.OpenTime != 1700000000000 || !k.IsClosed {
		t.Errorf("unexpected decoded kline: %+v", k)
	}
	if !h.closed[0] {
		t.Error("expected isClosedCandidate to be true for x:true")
	}
}

func TestHandleFrameUnknownEventIsDropped(t *testing.T) {
	h := &recordingHandler{}
	f := New("wss://example", nil, h, zerolog.Nop())

	raw := []byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate"}}`)
	f.handleFrame(raw)

	if len(h.prices) != 0 || len(h.klines) != 0 {
		t.Errorf("expected unknown event variant to be dropped, got prices=%d klines=%d", len(h.prices), len(h.klines))
	}
}

func TestHandleFrameMalformedEnvelopeIsDropped(t *testing.T) {
	h := &recordingHandler{}
	f := New("wss://example", nil, h, zerolog.Nop())

	f.handleFrame([]byte(`not json`))

	if len(h.prices) != 0 || len(h.klines) != 0 {
		t.Errorf("expected malformed frame to be dropped, got prices=%d klines=%d", len(h.prices), len(h.klines))
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	if d := backoffDelay(1); d != baseBackoff {
		t.Errorf("backoffDelay(1) = %v, want %v", d, baseBackoff)
	}
	if d := backoffDelay(10); d != maxBackoff {
		t.Errorf("backoffDelay(10) = %v, want cap %v", d, maxBackoff)
	}
}

func TestFeedStateTransitions(t *testing.T) {
	f := New("wss://example", nil, &recordingHandler{}, zerolog.Nop())
	if f.State() != StateIdle {
		t.Fatalf("new Feed state = %v, want StateIdle", f.State())
	}
	f.setState(StateOpen)
	if f.State() != StateOpen {
		t.Fatalf("state after setState(StateOpen) = %v, want StateOpen", f.State())
	}
}
