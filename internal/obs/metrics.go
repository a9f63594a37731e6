package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики движка леджера
var (
	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by name and outcome kind.",
		},
		[]string{"op", "result"},
	)

	ledgerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Time spent applying one ledger operation.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op"},
	)

	ledgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_total",
			Help: "Committed ledger events by kind.",
		},
		[]string{"kind"},
	)

	ledgerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_queue_depth",
		Help: "Operations waiting for the writer.",
	})

	ledgerCirculatingSupply = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_circulating_supply",
		Help: "Circulating reward supply in base units (approximate above 2^53).",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ledgerOperations, ledgerOperationDuration, ledgerEvents,
			ledgerQueueDepth, ledgerCirculatingSupply,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one applied operation.
func ObserveOperation(op, result string, d time.Duration) {
	ledgerOperations.WithLabelValues(op, result).Inc()
	ledgerOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// CountEvent records one committed event.
func CountEvent(kind string) {
	ledgerEvents.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the writer backlog.
func SetQueueDepth(n int) {
	ledgerQueueDepth.Set(float64(n))
}

// SetCirculatingSupply publishes totalMinted − totalBurned.
func SetCirculatingSupply(v float64) {
	ledgerCirculatingSupply.Set(v)
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers so metric label cardinality stays
// bounded: /v1/accounts/0xabc/balance -> /v1/accounts/:id/balance.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "accounts", "credentials", "vesting", "airdrops", "roles":
	default:
		return p
	}
	parts[2] = ":id"
	if len(parts) > 4 {
		return p
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
