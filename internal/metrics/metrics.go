// Package metrics provides Prometheus instrumentation for the registry and
// payment processor.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agora"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RejectedCallsTotal counts mutating calls that failed, by ledger and error kind.
	RejectedCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_calls_total",
			Help:      "Mutating calls rejected, by ledger and error kind.",
		},
		[]string{"ledger", "kind"},
	)

	// EventsEmittedTotal counts ledger events by name.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Ledger events emitted, by event name.",
		},
		[]string{"name"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// Paused is 1 while mutating calls are blocked.
	Paused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "paused",
		Help:      "1 while the platform is paused, 0 otherwise.",
	})

	// --- Registry metrics ---

	AgentsRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agents_registered_total",
		Help:      "Total agents registered.",
	})

	AgentsDeactivatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agents_deactivated_total",
		Help:      "Total agents deactivated by the owner.",
	})

	FeedbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "Reputation feedback submitted, by rating.",
	}, []string{"rating"})

	InteractionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interactions_total",
		Help:      "A2A interactions, by stage (initiated, completed).",
	}, []string{"stage"})

	// TrustScoreUpdates observes every new trust score by cause.
	TrustScoreUpdates = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trust_score",
		Help:      "Trust scores written, by cause.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	}, []string{"cause"})

	// --- Escrow metrics ---

	EscrowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrows_total",
		Help:      "Escrow transitions, by resulting status.",
	}, []string{"status"})

	EscrowTransferFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_transfer_failures_total",
		Help:      "Escrow payouts rolled back, by operation.",
	}, []string{"op"})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal status in seconds.",
		Buckets:   []float64{60, 600, 3600, 86400, 7 * 86400, 30 * 86400, 365 * 86400},
	})

	// EscrowsOverdue is the number of Active escrows past expiry awaiting a claim.
	EscrowsOverdue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrows_overdue",
		Help:      "Active escrows past their expiration time.",
	})

	// CustodyBalance is the processor's held value in smallest units.
	CustodyBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "custody_balance",
		Help:      "Value held by the payment processor, in smallest units (approximate above 2^53).",
	})

	// CustodyMismatch is 1 when custody differs from the sum of held escrows.
	CustodyMismatch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "custody_mismatch",
		Help:      "1 when custody balance differs from the sum of escrows holding value.",
	})

	// LedgerOpsTotal counts account ledger operations.
	LedgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_ops_total",
		Help:      "Account ledger operations, by op.",
	}, []string{"op"})

	// --- Runtime and database ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RejectedCallsTotal,
		EventsEmittedTotal,
		ActiveWebSocketClients,
		Paused,
		AgentsRegisteredTotal,
		AgentsDeactivatedTotal,
		FeedbackTotal,
		InteractionsTotal,
		TrustScoreUpdates,
		EscrowsTotal,
		EscrowTransferFailuresTotal,
		EscrowDuration,
		EscrowsOverdue,
		CustodyBalance,
		CustodyMismatch,
		LedgerOpsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
