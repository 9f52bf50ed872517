// Package docstore persists OHLCV candles in MongoDB. This is an
// out-of-pack dependency: the spec names MongoDB via MONGODB_URI and no
// example repo demonstrates a document-store integration, so there is
// nothing in the corpus to ground the driver choice beyond it being the
// official client for the named store (see DESIGN.md).
package docstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/adred-codev/marketfeed/internal/model"
)

const collectionName = "klines"

// Upserter is the write-side seam the worker's persistence path needs.
// *Store satisfies it; tests can substitute an in-memory fake (or nil, on
// paths that never write) instead of a live Mongo connection.
type Upserter interface {
	Upsert(ctx context.Context, k model.Kline) error
}

// KlineStore is the read/write seam HistoryService needs: range queries
// for the DB-first path, UpsertMany to warm the cache from a REST
// fallback, and Count/Latest for the background seeder. *Store satisfies
// it; tests substitute an in-memory fake.
type KlineStore interface {
	Upserter
	UpsertMany(ctx context.Context, rows []model.Kline) error
	RangeQuery(ctx context.Context, symbol model.Symbol, interval model.Interval, startTime, endTime *int64, limit int) ([]model.Kline, error)
	Count(ctx context.Context, symbol model.Symbol, interval model.Interval) (int64, error)
	Latest(ctx context.Context, symbol model.Symbol, interval model.Interval) (*model.Kline, error)
}

// Store wraps the klines collection with the upsert and range-query
// operations the rest of the service needs, enforcing invariants 1 and 3
// (unique key, closed-candle immutability) at the upsert boundary.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Connect dials Mongo and ensures the collection's indexes exist.
func Connect(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to docstore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping docstore: %w", err)
	}

	coll := client.Database(databaseNameFromURI(uri)).Collection(collectionName)

	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, fmt.Errorf("ensure docstore indexes: %w", err)
	}

	return &Store{client: client, coll: coll}, nil
}

// databaseNameFromURI extracts the database name from the URI path, falling
// back to "chart_db" (the spec's default) if none is given.
func databaseNameFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return "chart_db"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "chart_db"
	}
	return name
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("symbol_interval_openTime_unique"),
		},
		{
			Keys: bson.D{
				{Key: "symbol", Value: 1},
				{Key: "interval", Value: 1},
				{Key: "openTime", Value: -1},
			},
			Options: options.Index().SetName("symbol_interval_openTime_desc"),
		},
	})
	return err
}

// Upsert writes a candle, honoring invariant 3: if the stored row is
// already closed, an incoming update that would reopen it (isClosed=false)
// is ignored. An incoming row that is itself closed replaces the stored
// row, whatever its OHLCV fields; they are not compared with the stored
// values.
func (s *Store) Upsert(ctx context.Context, k model.Kline) error {
	existing, err := s.findOne(ctx, k.Key())
	if err != nil {
		return fmt.Errorf("lookup existing kline: %w", err)
	}
	if shouldSkipUpsert(existing, k) {
		return nil
	}

	filter := bson.M{
		"symbol":   k.Symbol,
		"interval": k.Interval,
		"openTime": k.OpenTime,
	}
	update := bson.M{"$set": k}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert kline: %w", err)
	}
	return nil
}

// UpsertMany is a bulk upsert used to warm the cache after a REST fallback
// and by the seeder. Rows are written as given (the REST decode path marks
// them isClosed=true); it stops at the first failing row.
func (s *Store) UpsertMany(ctx context.Context, rows []model.Kline) error {
	for _, row := range rows {
		if err := s.Upsert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// shouldSkipUpsert implements invariant 3: once a candle is closed, an
// incoming write that would reopen it (isClosed=false) is ignored.
// existing is nil when no row is stored yet for the key.
func shouldSkipUpsert(existing *model.Kline, incoming model.Kline) bool {
	return existing != nil && existing.IsClosed && !incoming.IsClosed
}

func (s *Store) findOne(ctx context.Context, key model.Key) (*model.Kline, error) {
	filter := bson.M{
		"symbol":   key.Symbol,
		"interval": key.Interval,
		"openTime": key.OpenTime,
	}
	var k model.Kline
	err := s.coll.FindOne(ctx, filter).Decode(&k)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// RangeQuery implements the HistoryService ordering rules from spec §4.5:
// oldest-first within a supplied [startTime,endTime] range, or most-recent
// `limit` rows reversed to ascending order if no range is given.
func (s *Store) RangeQuery(ctx context.Context, symbol model.Symbol, interval model.Interval, startTime, endTime *int64, limit int) ([]model.Kline, error) {
	filter := bson.M{"symbol": symbol, "interval": interval}

	hasRange := startTime != nil || endTime != nil
	if hasRange {
		rng := bson.M{}
		if startTime != nil {
			rng["$gte"] = *startTime
		}
		if endTime != nil {
			rng["$lte"] = *endTime
		}
		filter["openTime"] = rng
	}

	sortOrder := -1
	if hasRange {
		sortOrder = 1
	}

	opts := options.Find().SetSort(bson.D{{Key: "openTime", Value: sortOrder}}).SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query klines: %w", err)
	}
	defer cur.Close(ctx)

	var rows []model.Kline
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	if !hasRange {
		reverse(rows)
	}
	return rows, nil
}

func reverse(rows []model.Kline) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// Latest returns the most recent closed-or-open row for a key, used by the
// seeder to resume from where it left off.
func (s *Store) Latest(ctx context.Context, symbol model.Symbol, interval model.Interval) (*model.Kline, error) {
	rows, err := s.RangeQuery(ctx, symbol, interval, nil, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Count returns the number of rows stored for a key, used by the seeder's
// skip-if-already-seeded check.
func (s *Store) Count(ctx context.Context, symbol model.Symbol, interval model.Interval) (int64, error) {
	return s.coll.CountDocuments(ctx, bson.M{"symbol": symbol, "interval": interval})
}

// Close waits up to 5s for in-flight operations to settle then disconnects.
func (s *Store) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
