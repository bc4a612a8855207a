// Package metrics provides Prometheus instrumentation for the market.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OffersTotal counts offers placed on the book, partitioned by side.
	OffersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinfactory_offers_total",
		Help: "Total number of offers placed",
	}, []string{"side"})

	// ContractsTotal counts matched FIXED/UNFIXED contract pairs.
	ContractsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinfactory_contracts_total",
		Help: "Total number of contracts formed",
	})

	// ContractVolume tracks cumulative matched volume in contract units.
	ContractVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinfactory_contract_volume_total",
		Help: "Cumulative matched volume in contract units",
	})

	// CancellationsTotal counts offers cancelled or expired off the book.
	CancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinfactory_offer_cancellations_total",
		Help: "Offers cancelled or expired",
	})

	// SettlementsTotal counts resolved contract types.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinfactory_settlements_total",
		Help: "Total number of contract resolutions",
	})

	// PayoutMillitokens tracks gross settlement payouts before fees.
	PayoutMillitokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinfactory_payout_millitokens_total",
		Help: "Gross settlement payouts in millitokens",
	})

	// WebSocketClients tracks connected ticker feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinfactory_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinfactory_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pinfactory_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
