package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/model"
)

// TestHandleTickDedup covers the idempotent-sink contract: a redelivered
// job for the same (symbol, ts) must not be recorded twice. store is left
// nil deliberately; the tick path never touches it.
func TestHandleTickDedup(t *testing.T) {
	w := New(nil, zerolog.Nop())

	payload, err := json.Marshal(struct {
		Event model.PriceEvent `json:"event"`
	}{Event: model.PriceEvent{Symbol: "BTCUSDT", Price: "1", Ts: 100}})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	if err := w.handle(context.Background(), payload); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := w.handle(context.Background(), payload); err != nil {
		t.Fatalf("redelivered handle: %v", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seen) != 1 {
		t.Fatalf("expected exactly 1 seen entry after a duplicate delivery, got %d", len(w.seen))
	}
}

func TestHandleTickDistinctTimestampsAreNotDeduped(t *testing.T) {
	w := New(nil, zerolog.Nop())

	for _, ts := range []int64{1, 2, 3} {
		payload, _ := json.Marshal(struct {
			Event model.PriceEvent `json:"event"`
		}{Event: model.PriceEvent{Symbol: "BTCUSDT", Price: "1", Ts: ts}})
		if err := w.handle(context.Background(), payload); err != nil {
			t.Fatalf("handle(ts=%d): %v", ts, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seen) != 3 {
		t.Fatalf("expected 3 distinct seen entries, got %d", len(w.seen))
	}
}

func TestHandleEmptyPayloadErrors(t *testing.T) {
	w := New(nil, zerolog.Nop())
	err := w.handle(context.Background(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error for a payload with neither event nor kline")
	}
}

func TestHandleMalformedPayloadErrors(t *testing.T) {
	w := New(nil, zerolog.Nop())
	err := w.handle(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected an error for a malformed payload")
	}
}
