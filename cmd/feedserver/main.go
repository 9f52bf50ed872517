// Command feedserver runs the market-data fan-out service: it dials the
// upstream exchange feed, throttles and fans updates out to WebSocket
// subscribers, mirrors updates across replicas over the broker, and
// persists candles through a durable job queue.
//
// Startup/shutdown ordering follows the teacher's main.go: load config,
// build dependencies bottom-up, start background loops, wait for a signal,
// then unwind in the reverse order.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/marketfeed/internal/broadcast"
	"github.com/adred-codev/marketfeed/internal/broker"
	"github.com/adred-codev/marketfeed/internal/config"
	"github.com/adred-codev/marketfeed/internal/docstore"
	"github.com/adred-codev/marketfeed/internal/gateway"
	"github.com/adred-codev/marketfeed/internal/history"
	"github.com/adred-codev/marketfeed/internal/httpapi"
	"github.com/adred-codev/marketfeed/internal/logging"
	"github.com/adred-codev/marketfeed/internal/model"
	"github.com/adred-codev/marketfeed/internal/queue"
	"github.com/adred-codev/marketfeed/internal/upstream"
	"github.com/adred-codev/marketfeed/internal/worker"

	natsgo "github.com/nats-io/nats.go"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting marketfeed")
	audit := logging.NewAuditLog(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokerClient, err := broker.Connect(cfg.NATSUrl, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker")
	}

	store, err := docstore.Connect(ctx, cfg.MongoURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to docstore")
	}

	nc, err := natsgo.Connect(cfg.NATSUrl)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to broker for job queue")
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize jetstream")
	}
	jobQueue, err := queue.New(js, cfg.PriceQueueName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize job queue")
	}

	persistWorker := worker.New(store, logger)
	persistWorker.Register(jobQueue)
	if err := jobQueue.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start job queue consumer")
	}

	admission := gateway.NewAdmission(ctx, cfg.MaxConnections, cfg.CPURejectThreshold)
	gw := gateway.New(admission, cfg.MaxBroadcastRate, logger)

	sink := &fanoutSink{gateway: gw, broker: brokerClient, queue: jobQueue}
	broadcastSvc := broadcast.NewService(sink, logger)

	brokerClient.SetSink(gw)
	if err := brokerClient.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start broker subscriptions")
	}

	feed := upstream.New(cfg.BinanceSpotWSBase, cfg.BinanceStreams, broadcastSvc, logger)
	go feed.Run(ctx)

	historySvc := history.New(store, cfg.BinanceSpotRESTBase, logger)
	go historySvc.Seed(ctx, history.DefaultSeedSymbols, history.DefaultSeedIntervals, 1000)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpapi.NewHealthHandler(
		cfg.FrontendURL,
		time.Now(),
		func() bool { return feed.State() == upstream.StateOpen },
		func() bool { return nc.IsConnected() },
	))
	mux.HandleFunc("/history", httpapi.NewHistoryHandler(historySvc, cfg.FrontendURL))
	mux.Handle("/metrics", httpapi.NewMetricsHandler())
	mux.HandleFunc("/prices", httpapi.NewPricesHandler(gw, func(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		return conn, err
	}))

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: mux}
	go func() {
		audit.Info("ServerStarted", "http/ws server listening", map[string]any{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	audit.Warning("ShutdownSignalReceived", "shutdown signal received", nil)

	// Shutdown ordering: feed.close -> flush armed throttle timers -> close
	// broker client -> HTTP server and docstore under a 10s deadline ->
	// job-queue NATS connection. The job queue is not drained: its consumer
	// unsubscribed when ctx was canceled, and jobs not yet acked stay in
	// the durable stream.
	feed.Close()
	broadcastSvc.Flush()
	brokerClient.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = store.Close(shutdownCtx)
	nc.Close()

	logger.Info().Msg("shutdown complete")
}

// fanoutSink adapts gateway+broker+queue into the broadcast.Sink interface
// ThrottledBroadcaster emits through.
type fanoutSink struct {
	gateway *gateway.Gateway
	broker  *broker.Client
	queue   *queue.Queue
}

func (s *fanoutSink) BroadcastPrice(room string, event model.PriceEvent) {
	s.gateway.BroadcastPrice(room, event)
}

func (s *fanoutSink) BroadcastKline(room string, k model.Kline) {
	s.gateway.BroadcastKline(room, k)
}

func (s *fanoutSink) PublishPrice(room string, event model.PriceEvent) error {
	return s.broker.PublishPrice(room, event)
}

func (s *fanoutSink) EnqueuePersistPrice(event model.PriceEvent) error {
	payload, err := json.Marshal(struct {
		Event model.PriceEvent `json:"event"`
	}{Event: event})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(worker.KindPersistPrice, payload)
}

func (s *fanoutSink) EnqueuePersistKline(k model.Kline) error {
	payload, err := json.Marshal(struct {
		Kline model.Kline `json:"kline"`
	}{Kline: k})
	if err != nil {
		return err
	}
	return s.queue.Enqueue(worker.KindPersistPrice, payload)
}
