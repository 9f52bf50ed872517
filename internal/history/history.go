// Package history implements HistoryService: a DB-first read path with a
// REST fallback to the upstream exchange, plus a background seeder.
//
// The REST client follows the positional array-of-arrays decode and
// error-mapping idiom shown by the Binance-oriented provider adapters in
// the example pack (e0f4d4c6_ojo-network-price-feeder__oracle-provider-binance.go,
// 9be8090f_yitech-candles__adapter-binance-ws.go): a small net/http client,
// zerolog for diagnostics, explicit status-code mapping rather than a
// generic error type.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/docstore"
	"github.com/adred-codev/marketfeed/internal/metrics"
	"github.com/adred-codev/marketfeed/internal/model"
)

// ErrTooManyRequests, ErrBadGateway and ErrSymbolNotFound are the upstream
// failure classes the HTTP layer maps to 429/502/404 respectively, per
// spec §4.5/§6.
var (
	ErrTooManyRequests = fmt.Errorf("upstream rate limited")
	ErrBadGateway      = fmt.Errorf("upstream request failed")
	ErrSymbolNotFound  = fmt.Errorf("unknown symbol")
)

// binanceInvalidSymbolCode is the error code Binance's REST API returns in
// its JSON error body for an unrecognized symbol (status 400, not 404).
const binanceInvalidSymbolCode = -1121

// binanceErrorBody is the error envelope Binance returns on a non-200
// response: {"code": -1121, "msg": "Invalid symbol."}.
type binanceErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

const defaultLimit = 500

// Service implements the read path and the background seeder.
type Service struct {
	store      docstore.KlineStore
	restBase   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// New builds a HistoryService backed by store, fetching fallbacks from
// restBase (e.g. BINANCE_SPOT_REST_BASE).
func New(store docstore.KlineStore, restBase string, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		restBase:   restBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// GetHistoricalKlines implements the read algorithm from spec §4.5: a
// DB-first query, falling through to REST when the DB result is short or
// stale, warming the cache from the REST result on the way out.
func (s *Service) GetHistoricalKlines(ctx context.Context, symbol model.Symbol, interval model.Interval, startTime, endTime *int64, limit int) ([]model.Kline, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}
	symbol = symbol.Normalize()
	hasRange := startTime != nil || endTime != nil

	rows, err := s.store.RangeQuery(ctx, symbol, interval, startTime, endTime, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", string(symbol)).Msg("docstore query failed, falling back to upstream")
		rows = nil
	}

	stale := !hasRange && len(rows) > 0 && time.Now().UnixMilli()-rows[len(rows)-1].OpenTime > model.FreshnessWindow(interval).Milliseconds()
	if len(rows) >= limit && !stale {
		metrics.HistoryCacheHits.WithLabelValues("hit").Inc()
		return rows, nil
	}
	if stale {
		metrics.HistoryCacheHits.WithLabelValues("stale").Inc()
	} else {
		metrics.HistoryCacheHits.WithLabelValues("miss").Inc()
	}

	fetched, err := s.fetchREST(ctx, symbol, interval, startTime, endTime, limit)
	if err != nil {
		return nil, err
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.UpsertMany(bgCtx, fetched); err != nil {
			s.logger.Warn().Err(err).Str("symbol", string(symbol)).Msg("failed to warm docstore cache from REST fallback")
		}
	}()

	return fetched, nil
}

// klineRow is the positional array-of-arrays shape documented in spec §4.5:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// trades, takerBuyBaseVolume, takerBuyQuoteVolume, _ignored].
type klineRow [12]json.RawMessage

func (s *Service) fetchREST(ctx context.Context, symbol model.Symbol, interval model.Interval, startTime, endTime *int64, limit int) ([]model.Kline, error) {
	start := time.Now()
	defer func() { metrics.HistorySeedDuration.Observe(time.Since(start).Seconds()) }()

	q := url.Values{}
	q.Set("symbol", string(symbol))
	q.Set("interval", string(interval))
	q.Set("limit", strconv.Itoa(limit))
	if startTime != nil {
		q.Set("startTime", strconv.FormatInt(*startTime, 10))
	}
	if endTime != nil {
		q.Set("endTime", strconv.FormatInt(*endTime, 10))
	}

	reqURL := s.restBase + "/api/v3/klines?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrTooManyRequests
	}
	if resp.StatusCode != http.StatusOK {
		var body binanceErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Code == binanceInvalidSymbolCode {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return nil, fmt.Errorf("%w: status %d", ErrBadGateway, resp.StatusCode)
	}

	var raw []klineRow
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrBadGateway, err)
	}

	rows := make([]model.Kline, 0, len(raw))
	for _, r := range raw {
		k, err := decodeRow(symbol, interval, r)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed upstream kline row")
			continue
		}
		rows = append(rows, k)
	}
	return rows, nil
}

func decodeRow(symbol model.Symbol, interval model.Interval, r klineRow) (model.Kline, error) {
	var openTime, closeTime int64
	var open, high, low, close, volume, quoteVolume, takerBuyBase, takerBuyQuote string
	var trades int64

	fields := []struct {
		idx int
		dst any
	}{
		{0, &openTime}, {1, &open}, {2, &high}, {3, &low}, {4, &close},
		{5, &volume}, {6, &closeTime}, {7, &quoteVolume}, {8, &trades},
		{9, &takerBuyBase}, {10, &takerBuyQuote},
	}
	for _, f := range fields {
		if err := json.Unmarshal(r[f.idx], f.dst); err != nil {
			return model.Kline{}, fmt.Errorf("field %d: %w", f.idx, err)
		}
	}

	return model.Kline{
		Symbol:              symbol,
		Interval:            interval,
		OpenTime:            openTime,
		CloseTime:           closeTime,
		Open:                open,
		High:                high,
		Low:                 low,
		Close:               close,
		Volume:              volume,
		QuoteVolume:         quoteVolume,
		Trades:              trades,
		TakerBuyBaseVolume:  takerBuyBase,
		TakerBuyQuoteVolume: takerBuyQuote,
		IsClosed:            true,
	}, nil
}
