// Package worker implements PersistenceWorker, the JobQueue consumer that
// records throttled price events as structured log lines and writes kline
// upserts to the DocStore.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/docstore"
	"github.com/adred-codev/marketfeed/internal/model"
	"github.com/adred-codev/marketfeed/internal/queue"
)

// KindPersistPrice is the only job kind defined today, per spec's job
// dispatch table.
const KindPersistPrice = "persistPrice"

// pricePayload is the job payload for KindPersistPrice: either a tick (for
// the structured log sink) or a full kline (for the DocStore upsert).
type pricePayload struct {
	Event *model.PriceEvent `json:"event,omitempty"`
	Kline *model.Kline      `json:"kline,omitempty"`
}

// Worker dedups by (symbol, ts) to satisfy the idempotent-sink contract:
// JetStream redelivery must never double-record a tick.
type Worker struct {
	store  docstore.Upserter
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[seenKey]struct{}
}

type seenKey struct {
	symbol model.Symbol
	ts     int64
}

// New builds a PersistenceWorker writing through store.
func New(store docstore.Upserter, logger zerolog.Logger) *Worker {
	return &Worker{
		store:  store,
		logger: logger,
		seen:   make(map[seenKey]struct{}),
	}
}

// Register binds this worker's handler onto q for KindPersistPrice.
func (w *Worker) Register(q *queue.Queue) {
	q.Register(KindPersistPrice, w.handle)
}

func (w *Worker) handle(ctx context.Context, raw json.RawMessage) error {
	var payload pricePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode persistence payload: %w", err)
	}

	switch {
	case payload.Kline != nil:
		return w.store.Upsert(ctx, *payload.Kline)
	case payload.Event != nil:
		return w.persistTick(*payload.Event)
	default:
		return fmt.Errorf("persistence payload has neither event nor kline")
	}
}

// persistTick records a structured log line, the schema resolved in
// SPEC_FULL.md §9 for the otherwise-unspecified tick sink. Dedup guards
// against JetStream redelivering an already-handled tick.
func (w *Worker) persistTick(evt model.PriceEvent) error {
	key := seenKey{symbol: evt.Symbol, ts: evt.Ts}

	w.mu.Lock()
	_, already := w.seen[key]
	if !already {
		w.seen[key] = struct{}{}
		if len(w.seen) > 100_000 {
			w.seen = make(map[seenKey]struct{}, 100_000)
		}
	}
	w.mu.Unlock()

	if already {
		return nil
	}

	w.logger.Info().
		Str("symbol", evt.Symbol.String()).
		Str("price", evt.Price).
		Int64("ts", evt.Ts).
		Str("source", string(evt.Source)).
		Msg("price tick persisted")
	return nil
}
