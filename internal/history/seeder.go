package history

import (
	"context"
	"time"

	"github.com/adred-codev/marketfeed/internal/model"
)

const (
	defaultSeedLimit     = 1000
	seedPaceOK           = 200 * time.Millisecond
	seedPaceAfterFailure = 500 * time.Millisecond
)

// DefaultSeedSymbols and DefaultSeedIntervals give the default 7×6 seed
// configuration from spec §4.6.
var (
	DefaultSeedSymbols = []model.Symbol{
		"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT",
	}
	DefaultSeedIntervals = []model.Interval{
		model.Interval1m, model.Interval5m, model.Interval15m,
		model.Interval1h, model.Interval4h, model.Interval1d,
	}
)

// Seed runs the background seeder described in spec §4.6: for every
// symbol×interval pair, skip if already well-seeded, otherwise fetch
// forward from the latest known candle and bulk-upsert. Failures are
// logged and never propagated; startup must never block on this.
func (s *Service) Seed(ctx context.Context, symbols []model.Symbol, intervals []model.Interval, seedLimit int) {
	if seedLimit <= 0 {
		seedLimit = defaultSeedLimit
	}

	for _, symbol := range symbols {
		for _, interval := range intervals {
			if ctx.Err() != nil {
				return
			}
			failed := s.seedOne(ctx, symbol, interval, seedLimit)

			pace := seedPaceOK
			if failed {
				pace = seedPaceAfterFailure
			}
			select {
			case <-time.After(pace):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Service) seedOne(ctx context.Context, symbol model.Symbol, interval model.Interval, seedLimit int) (failed bool) {
	count, err := s.store.Count(ctx, symbol, interval)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", string(symbol)).Str("interval", string(interval)).Msg("seeder: count failed, skipping")
		return true
	}
	if float64(count) >= 0.9*float64(seedLimit) {
		return false
	}

	var startTime *int64
	latest, err := s.store.Latest(ctx, symbol, interval)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", string(symbol)).Str("interval", string(interval)).Msg("seeder: latest lookup failed, fetching unbounded")
	} else if latest != nil {
		next := latest.OpenTime + 1
		startTime = &next
	}

	rows, err := s.fetchREST(ctx, symbol, interval, startTime, nil, seedLimit)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", string(symbol)).Str("interval", string(interval)).Msg("seeder: upstream fetch failed")
		return true
	}

	if err := s.store.UpsertMany(ctx, rows); err != nil {
		s.logger.Warn().Err(err).Str("symbol", string(symbol)).Str("interval", string(interval)).Msg("seeder: bulk upsert failed")
		return true
	}
	return false
}
