// Package httpapi exposes the service's HTTP surface: /health, /history,
// /metrics, and the /prices WebSocket upgrade endpoint. CORS and the
// response shapes follow the teacher's handleHealth/handleMetrics idiom in
// server.go, generalized from that server's capacity/goroutine checks down
// to the two dependencies this service actually has: upstream feed and
// broker.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/adred-codev/marketfeed/internal/gateway"
	"github.com/adred-codev/marketfeed/internal/metrics"
)

// UpgradeFunc performs the protocol-level WebSocket upgrade (ws.UpgradeHTTP
// in the real wiring); kept as a function value so this package doesn't
// need to import gobwas/ws directly.
type UpgradeFunc func(w http.ResponseWriter, r *http.Request) (net.Conn, error)

func corsHeaders(w http.ResponseWriter, frontendURL string) {
	w.Header().Set("Access-Control-Allow-Origin", frontendURL)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
}

// NewHealthHandler builds the /health handler per spec §6:
// {status, timestamp, upstream:{connected}, broker:{connected}}.
func NewHealthHandler(frontendURL string, startedAt time.Time, feedConnected func() bool, brokerConnected func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corsHeaders(w, frontendURL)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		upConnected := feedConnected()
		brokerOK := brokerConnected()

		status := "healthy"
		code := http.StatusOK
		if !upConnected || !brokerOK {
			status = "degraded"
		}

		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"upstream":  map[string]any{"connected": upConnected},
			"broker":    map[string]any{"connected": brokerOK},
			"uptime":    time.Since(startedAt).Seconds(),
		})
	}
}

// NewMetricsHandler exposes Prometheus metrics at /metrics.
func NewMetricsHandler() http.Handler {
	return metrics.Handler()
}

// NewPricesHandler upgrades an inbound request to a WebSocket connection at
// /prices, gated by the gateway's admission controller so a rejection
// costs no socket resources.
func NewPricesHandler(gw *gateway.Gateway, upgrade UpgradeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := gw.Admit(); !ok {
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrade(w, r)
		if err != nil {
			http.Error(w, "upgrade failed", http.StatusBadRequest)
			return
		}
		go gw.HandleConn(conn)
	}
}
