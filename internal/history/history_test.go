package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/marketfeed/internal/model"
)

// fakeKlineStore is an in-memory docstore.KlineStore double, giving
// GetHistoricalKlines a seam to exercise its DB-first/REST-fallback
// branches without a live Mongo connection.
type fakeKlineStore struct {
	mu       sync.Mutex
	rows     []model.Kline
	upserted []model.Kline
}

func (f *fakeKlineStore) Upsert(_ context.Context, k model.Kline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, k)
	return nil
}

func (f *fakeKlineStore) UpsertMany(_ context.Context, rows []model.Kline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, rows...)
	return nil
}

func (f *fakeKlineStore) RangeQuery(_ context.Context, _ model.Symbol, _ model.Interval, _, _ *int64, limit int) ([]model.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]model.Kline, len(rows))
	copy(out, rows)
	return out, nil
}

func (f *fakeKlineStore) Count(_ context.Context, _ model.Symbol, _ model.Interval) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeKlineStore) Latest(_ context.Context, _ model.Symbol, _ model.Interval) (*model.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil, nil
	}
	last := f.rows[len(f.rows)-1]
	return &last, nil
}

func (f *fakeKlineStore) upsertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted)
}

func TestFetchRESTDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1700000000000,"66900.00","67050.00","66850.00","67000.50","120.5",1700000059999,"8072310.25",842,"60.1","4029000.10","ignored"]
		]`))
	}))
	defer srv.Close()

	svc := New(nil, srv.URL, zerolog.Nop())
	rows, err := svc.fetchREST(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 1)
	if err != nil {
		t.Fatalf("fetchREST: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	k := rows[0]
	if k.Symbol != "BTCUSDT" || k.Open != "66900.00" || k.Close != "67000.50" || k.Trades != 842 || !k.IsClosed {
		t.Errorf("unexpected decoded row: %+v", k)
	}
}

func TestFetchRESTMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := New(nil, srv.URL, zerolog.Nop())
	_, err := svc.fetchREST(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 1)
	if err != ErrTooManyRequests {
		t.Fatalf("expected ErrTooManyRequests, got %v", err)
	}
}

func TestFetchRESTMapsBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := New(nil, srv.URL, zerolog.Nop())
	_, err := svc.fetchREST(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 1)
	if err == nil {
		t.Fatal("expected a wrapped ErrBadGateway for a 500 response")
	}
}

// TestFetchRESTMapsUnknownSymbol covers spec §7's 404-for-unknown-symbol
// requirement: Binance returns a 400 with code -1121 for an unrecognized
// symbol, which must map to ErrSymbolNotFound rather than ErrBadGateway.
func TestFetchRESTMapsUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	svc := New(nil, srv.URL, zerolog.Nop())
	_, err := svc.fetchREST(context.Background(), "NOTREAL", model.Interval1m, nil, nil, 1)
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound, got %v", err)
	}
}

// TestGetHistoricalKlinesServesFreshCompleteRangeFromStoreOnly covers the
// DB-first path: when the store already holds a full, fresh window, REST
// must never be consulted.
func TestGetHistoricalKlinesServesFreshCompleteRangeFromStoreOnly(t *testing.T) {
	restHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		restHit = true
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	now := time.Now().UnixMilli()
	store := &fakeKlineStore{rows: []model.Kline{
		{Symbol: "BTCUSDT", Interval: model.Interval1m, OpenTime: now - 1000, IsClosed: true},
	}}
	svc := New(store, srv.URL, zerolog.Nop())

	rows, err := svc.GetHistoricalKlines(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 1)
	if err != nil {
		t.Fatalf("GetHistoricalKlines: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row served from the store, got %d", len(rows))
	}
	if restHit {
		t.Error("expected REST to be skipped for a fresh, complete store result")
	}
}

// TestGetHistoricalKlinesFallsBackWhenStale covers the staleness branch:
// a stored row older than the freshness window must trigger a REST
// fallback and warm the cache from its result.
func TestGetHistoricalKlinesFallsBackWhenStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			[1700000000000,"1","1","1","1","1",1700000059999,"1",1,"1","1","ignored"]
		]`))
	}))
	defer srv.Close()

	staleTime := time.Now().Add(-1 * time.Hour).UnixMilli()
	store := &fakeKlineStore{rows: []model.Kline{
		{Symbol: "BTCUSDT", Interval: model.Interval1m, OpenTime: staleTime, IsClosed: true},
	}}
	svc := New(store, srv.URL, zerolog.Nop())

	rows, err := svc.GetHistoricalKlines(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 1)
	if err != nil {
		t.Fatalf("GetHistoricalKlines: %v", err)
	}
	if len(rows) != 1 || rows[0].OpenTime != 1700000000000 {
		t.Fatalf("expected the REST-fetched row to be returned, got %+v", rows)
	}

	deadline := time.Now().Add(1 * time.Second)
	for store.upsertedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.upsertedCount() == 0 {
		t.Error("expected the REST fallback result to warm the cache via UpsertMany")
	}
}

// TestGetHistoricalKlinesFallsBackWhenShort covers the other fallback
// trigger: fewer rows than the requested limit, even if fresh.
func TestGetHistoricalKlinesFallsBackWhenShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			[1700000000000,"1","1","1","1","1",1700000059999,"1",1,"1","1","ignored"],
			[1700000060000,"1","1","1","1","1",1700000119999,"1",1,"1","1","ignored"]
		]`))
	}))
	defer srv.Close()

	now := time.Now().UnixMilli()
	store := &fakeKlineStore{rows: []model.Kline{
		{Symbol: "BTCUSDT", Interval: model.Interval1m, OpenTime: now - 1000, IsClosed: true},
	}}
	svc := New(store, srv.URL, zerolog.Nop())

	rows, err := svc.GetHistoricalKlines(context.Background(), "BTCUSDT", model.Interval1m, nil, nil, 2)
	if err != nil {
		t.Fatalf("GetHistoricalKlines: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected the REST-fetched 2-row result for a short store result, got %d rows", len(rows))
	}
}

func TestDecodeRowMalformedFieldErrors(t *testing.T) {
	var row klineRow
	row[0] = []byte(`"not-a-number"`) // openTime must be numeric
	for i := 1; i < 12; i++ {
		row[i] = []byte(`"x"`)
	}
	if _, err := decodeRow("BTCUSDT", model.Interval1m, row); err == nil {
		t.Fatal("expected decodeRow to error on a malformed openTime field")
	}
}
