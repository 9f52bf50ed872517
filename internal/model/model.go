// Package model defines the shared wire and storage types for the
// market-data fan-out pipeline: symbols, candle intervals, price ticks and
// OHLCV rows.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Symbol is a canonical uppercase trading-pair identifier, e.g. "BTCUSDT".
type Symbol string

// Normalize upper-cases and trims a raw symbol so lookups are
// case-insensitive at the boundary.
func (s Symbol) Normalize() Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(string(s))))
}

func (s Symbol) String() string { return string(s) }

// Interval is a candle aggregation period. Only members of this closed set
// are accepted anywhere in the pipeline.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// durations holds the fixed millisecond duration for every interval except
// 1M, which is calendar-month and is approximated as 30 days for freshness
// arithmetic (see SPEC_FULL.md §9, Open Question resolution).
var durations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  3 * 24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1M:  30 * 24 * time.Hour,
}

// Valid reports whether i is a member of the closed interval set.
func (i Interval) Valid() bool {
	_, ok := durations[i]
	return ok
}

// Duration returns the fixed duration of the interval. Zero if invalid.
func (i Interval) Duration() time.Duration {
	return durations[i]
}

// FreshnessMultiplier is the tunable used by HistoryService to decide when a
// series needs refetching from upstream (spec.md §3 invariant 5). Not
// justified in the source this was distilled from; kept as a package-level
// tunable rather than a magic constant.
var FreshnessMultiplier = 3

// FreshnessWindow returns the maximum age a series' latest candle may have
// before it's considered stale for interval i.
func FreshnessWindow(i Interval) time.Duration {
	return time.Duration(FreshnessMultiplier) * i.Duration()
}

// EventSource identifies which upstream stream variant produced a PriceEvent.
type EventSource string

const (
	SourceMiniTicker EventSource = "MiniTicker"
	SourceTrade      EventSource = "Trade"
	SourceKline      EventSource = "Kline"
)

// PriceEvent is the normalized in-memory tick produced by UpstreamFeed and
// carried across the broker to every replica's DownstreamGateway.
type PriceEvent struct {
	Symbol Symbol          `json:"symbol"`
	Price  string          `json:"price"`
	Ts     int64           `json:"ts"`
	Source EventSource     `json:"source"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// Kline is the persisted OHLCV candle. Numeric fields are kept as strings
// end-to-end to preserve exchange-reported precision.
type Kline struct {
	Symbol              Symbol   `json:"symbol" bson:"symbol"`
	Interval            Interval `json:"interval" bson:"interval"`
	OpenTime            int64    `json:"openTime" bson:"openTime"`
	CloseTime           int64    `json:"closeTime" bson:"closeTime"`
	Open                string   `json:"open" bson:"open"`
	High                string   `json:"high" bson:"high"`
	Low                 string   `json:"low" bson:"low"`
	Close               string   `json:"close" bson:"close"`
	Volume              string   `json:"volume" bson:"volume"`
	QuoteVolume         string   `json:"quoteVolume" bson:"quoteVolume"`
	Trades              int64    `json:"trades" bson:"trades"`
	TakerBuyBaseVolume  string   `json:"takerBuyBaseVolume" bson:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume string   `json:"takerBuyQuoteVolume" bson:"takerBuyQuoteVolume"`
	IsClosed            bool     `json:"isClosed" bson:"isClosed"`
}

// Key identifies a Kline's unique (symbol, interval, openTime) document key.
type Key struct {
	Symbol   Symbol
	Interval Interval
	OpenTime int64
}

func (k Kline) Key() Key {
	return Key{Symbol: k.Symbol, Interval: k.Interval, OpenTime: k.OpenTime}
}

// rawKlineEnvelope mirrors the exchange's kline frame shape, the same shape
// carried verbatim in a kline-sourced PriceEvent's Raw field. Decoding it
// back into a Kline lets a component that only sees PriceEvent (the broker,
// crossing a replica boundary) recover the full candle without a second
// wire type.
type rawKlineEnvelope struct {
	Symbol string `json:"s"`
	K      struct {
		OpenTime            int64  `json:"t"`
		CloseTime           int64  `json:"T"`
		Interval            string `json:"i"`
		Open                string `json:"o"`
		High                string `json:"h"`
		Low                 string `json:"l"`
		Close               string `json:"c"`
		Volume              string `json:"v"`
		Trades              int64  `json:"n"`
		IsClosed            bool   `json:"x"`
		QuoteVolume         string `json:"q"`
		TakerBuyBaseVolume  string `json:"V"`
		TakerBuyQuoteVolume string `json:"Q"`
	} `json:"k"`
}

// DecodeRawKline reconstructs a Kline from a kline-sourced PriceEvent's Raw
// payload. Callers should only call this when Source == SourceKline.
func DecodeRawKline(raw json.RawMessage) (Kline, error) {
	var env rawKlineEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Kline{}, err
	}
	return Kline{
		Symbol:              Symbol(env.Symbol).Normalize(),
		Interval:            Interval(env.K.Interval),
		OpenTime:            env.K.OpenTime,
		CloseTime:           env.K.CloseTime,
		Open:                env.K.Open,
		High:                env.K.High,
		Low:                 env.K.Low,
		Close:               env.K.Close,
		Volume:              env.K.Volume,
		QuoteVolume:         env.K.QuoteVolume,
		Trades:              env.K.Trades,
		TakerBuyBaseVolume:  env.K.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: env.K.TakerBuyQuoteVolume,
		IsClosed:            env.K.IsClosed,
	}, nil
}
