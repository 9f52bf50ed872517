package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/adred-codev/marketfeed/internal/history"
	"github.com/adred-codev/marketfeed/internal/model"
)

// historyRow is the wire shape from spec §6: "symbol" and "interval" are
// not repeated per row but carried once at the envelope level; "isClosed"
// is not included in the response.
type historyRow struct {
	OpenTime            int64  `json:"openTime"`
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	CloseTime           int64  `json:"closeTime"`
	QuoteVolume         string `json:"quoteVolume"`
	Trades              int64  `json:"trades"`
	TakerBuyBaseVolume  string `json:"takerBuyBaseVolume"`
	TakerBuyQuoteVolume string `json:"takerBuyQuoteVolume"`
}

// NewHistoryHandler builds the /history handler: validates the query
// per spec §6, delegates to HistoryService, and maps its errors to the
// documented status codes.
func NewHistoryHandler(svc *history.Service, frontendURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corsHeaders(w, frontendURL)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		q := r.URL.Query()
		symbol := model.Symbol(q.Get("symbol")).Normalize()
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}

		interval := model.Interval(q.Get("interval"))
		if !interval.Valid() {
			writeError(w, http.StatusBadRequest, "interval must be one of the supported candle intervals")
			return
		}

		limit := 500
		if raw := q.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be an integer in [1,1000]")
				return
			}
			limit = parsed
		}

		startTime, ok := parseOptionalInt64(q.Get("startTime"))
		if !ok {
			writeError(w, http.StatusBadRequest, "startTime must be an integer")
			return
		}
		endTime, ok := parseOptionalInt64(q.Get("endTime"))
		if !ok {
			writeError(w, http.StatusBadRequest, "endTime must be an integer")
			return
		}

		rows, err := svc.GetHistoricalKlines(r.Context(), symbol, interval, startTime, endTime, limit)
		if err != nil {
			switch {
			case errors.Is(err, history.ErrSymbolNotFound):
				writeError(w, http.StatusNotFound, "unknown symbol")
			case errors.Is(err, history.ErrTooManyRequests):
				writeError(w, http.StatusTooManyRequests, "upstream rate limit exceeded")
			case errors.Is(err, history.ErrBadGateway):
				writeError(w, http.StatusBadGateway, "upstream request failed")
			default:
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}

		out := make([]historyRow, 0, len(rows))
		for _, k := range rows {
			out = append(out, historyRow{
				OpenTime:            k.OpenTime,
				Open:                k.Open,
				High:                k.High,
				Low:                 k.Low,
				Close:               k.Close,
				Volume:              k.Volume,
				CloseTime:           k.CloseTime,
				QuoteVolume:         k.QuoteVolume,
				Trades:              k.Trades,
				TakerBuyBaseVolume:  k.TakerBuyBaseVolume,
				TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
			})
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"symbol":   string(symbol),
			"interval": string(interval),
			"count":    len(out),
			"data":     out,
		})
	}
}

func parseOptionalInt64(raw string) (*int64, bool) {
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
