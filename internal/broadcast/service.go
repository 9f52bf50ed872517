package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/model"
)

const (
	priceBroadcastInterval = 200 * time.Millisecond
	klineBroadcastInterval = 500 * time.Millisecond
	persistEnqueueInterval = 1000 * time.Millisecond
	klinePersistInterval   = 5000 * time.Millisecond
)

// Sink is the set of downstream effects an emitted value can trigger: local
// fan-out, cross-replica publish, and persistence enqueue. Kept as an
// interface so broadcast never imports gateway/broker/queue directly.
type Sink interface {
	BroadcastPrice(room string, event model.PriceEvent)
	BroadcastKline(room string, k model.Kline)
	PublishPrice(room string, event model.PriceEvent) error
	EnqueuePersistPrice(event model.PriceEvent) error
	EnqueuePersistKline(k model.Kline) error
}

// Service wires the four rate ceilings from spec §4.2 into one component
// implementing upstream.Handler, so UpstreamFeed can be handed straight to
// it as a sink.
type Service struct {
	sink   Sink
	logger zerolog.Logger

	priceBroadcast *Throttle[model.PriceEvent]
	klineBroadcast *Throttle[model.Kline]
	persistPrice   *Throttle[model.PriceEvent]
	persistKline   *Throttle[model.Kline]

	// pendingKlinePrice holds the priceUpdate derived from a not-yet-emitted
	// kline, keyed by symbol. It is only released from klineBroadcast's own
	// emit callback, so a kline-derived priceUpdate is never delivered ahead
	// of its klineUpdate (spec §5).
	pendingKlinePriceMu sync.Mutex
	pendingKlinePrice   map[model.Symbol]model.PriceEvent
}

// NewService builds the four throttles and binds their emission callbacks
// to sink.
func NewService(sink Sink, logger zerolog.Logger) *Service {
	s := &Service{sink: sink, logger: logger, pendingKlinePrice: make(map[model.Symbol]model.PriceEvent)}

	s.priceBroadcast = New[model.PriceEvent](priceBroadcastInterval, func(key string, evt model.PriceEvent) {
		room := "prices:" + key
		s.sink.BroadcastPrice(room, evt)
		if err := s.sink.PublishPrice(room, evt); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Msg("broker publish failed, local fan-out still delivered")
		}
	})

	s.klineBroadcast = New[model.Kline](klineBroadcastInterval, func(key string, k model.Kline) {
		room := "prices:" + string(k.Symbol)
		s.sink.BroadcastKline(room, k)

		// Emit the kline-derived priceUpdate, if one is waiting, from inside
		// this callback so it is always delivered after its klineUpdate.
		s.pendingKlinePriceMu.Lock()
		evt, ok := s.pendingKlinePrice[k.Symbol]
		if ok {
			delete(s.pendingKlinePrice, k.Symbol)
		}
		s.pendingKlinePriceMu.Unlock()
		if !ok {
			return
		}
		s.sink.BroadcastPrice(room, evt)
		if err := s.sink.PublishPrice(room, evt); err != nil {
			s.logger.Warn().Err(err).Str("room", room).Msg("broker publish failed for kline-derived price, local fan-out still delivered")
		}
	})

	s.persistPrice = New[model.PriceEvent](persistEnqueueInterval, func(_ string, evt model.PriceEvent) {
		if err := s.sink.EnqueuePersistPrice(evt); err != nil {
			s.logger.Warn().Err(err).Msg("failed to enqueue price persistence job")
		}
	})

	s.persistKline = New[model.Kline](klinePersistInterval, func(_ string, k model.Kline) {
		if err := s.sink.EnqueuePersistKline(k); err != nil {
			s.logger.Warn().Err(err).Msg("failed to enqueue kline persistence job")
		}
	})

	return s
}

// OnPriceEvent implements upstream.Handler. A kline-sourced price is held
// back rather than offered to the broadcast throttle directly: it is only
// released once its corresponding klineUpdate is emitted, so the two never
// race (spec §5's cross-event ordering invariant).
func (s *Service) OnPriceEvent(evt model.PriceEvent) {
	if evt.Source == model.SourceKline {
		s.pendingKlinePriceMu.Lock()
		s.pendingKlinePrice[evt.Symbol] = evt
		s.pendingKlinePriceMu.Unlock()
		s.persistPrice.Offer(string(evt.Symbol), evt)
		return
	}
	s.priceBroadcast.Offer(string(evt.Symbol), evt)
	s.persistPrice.Offer(string(evt.Symbol), evt)
}

// OnKline implements upstream.Handler. A closed candle bypasses the
// persistence throttle entirely per spec §4.2: it is enqueued on first
// observation rather than coalesced.
func (s *Service) OnKline(k model.Kline, isClosed bool) {
	key := string(k.Symbol) + ":" + string(k.Interval)
	s.klineBroadcast.Offer(key, k)

	if isClosed {
		if err := s.sink.EnqueuePersistKline(k); err != nil {
			s.logger.Warn().Err(err).Msg("failed to enqueue closed-kline persistence job")
		}
		return
	}
	s.persistKline.Offer(key, k)
}

// Flush flushes every throttle's armed timers, emitting last values. Used
// during shutdown per spec §5.
func (s *Service) Flush() {
	s.priceBroadcast.Flush()
	s.klineBroadcast.Flush()
	s.persistPrice.Flush()
	s.persistKline.Flush()
}
