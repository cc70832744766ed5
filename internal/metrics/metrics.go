// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accountproof_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_notifications_total",
		Help: "Ingested notifications by kind and outcome.",
	}, []string{"kind", "result"})

	treeBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountproof_tree_build_duration_seconds",
		Help:    "Time to build a slot's merkle tree.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	treeLeaves = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accountproof_tree_leaves",
		Help:    "Number of real leaves per built tree.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	emissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_emissions_total",
		Help: "Stream messages emitted by kind.",
	}, []string{"kind"})

	emissionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_emissions_rejected_total",
		Help: "Proofs withheld by the stream ordering rules, by reason.",
	}, []string{"reason"})

	mismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountproof_root_mismatches_total",
		Help: "Slots whose built root disagreed with the observed root or commitment.",
	})

	haltedSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountproof_halted_slots",
		Help: "Slots currently halted by a root mismatch.",
	})

	rootedSlot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountproof_rooted_slot",
		Help: "Slot of the rooted ledger tip.",
	})

	ledgerRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountproof_ledger_records",
		Help: "Slot versions held by the ledger.",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accountproof_subscribers",
		Help: "Connected stream subscribers.",
	})

	queueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_queue_drops_total",
		Help: "Subscriber queue overflows by action taken.",
	}, []string{"action"})

	alarmDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_alarm_deliveries_total",
		Help: "Alarm webhook deliveries by success status.",
	}, []string{"status"})

	emissionLogAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accountproof_emission_log_appends_total",
		Help: "Entries appended to the emission log.",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_health_checks_total",
		Help: "Feed liveness checks by result.",
	}, []string{"result"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accountproof_rate_limited_total",
		Help: "Requests rejected by a rate limiter, by surface.",
	}, []string{"surface"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordNotification counts one engine input.
func RecordNotification(kind, result string) {
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveTreeBuild records one tree build.
func ObserveTreeBuild(d time.Duration, leaves int) {
	treeBuildDuration.Observe(d.Seconds())
	treeLeaves.Observe(float64(leaves))
}

// RecordEmission counts one emitted stream message.
func RecordEmission(kind string) {
	emissionsTotal.WithLabelValues(kind).Inc()
}

// RecordEmissionRejected counts a proof the stream refused to emit.
func RecordEmissionRejected(reason string) {
	emissionsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordMismatch counts a root or commitment mismatch.
func RecordMismatch() {
	mismatchesTotal.Inc()
}

// SetHaltedSlots sets the halted slot gauge.
func SetHaltedSlots(n int) {
	haltedSlots.Set(float64(n))
}

// SetRootedSlot sets the rooted tip gauge.
func SetRootedSlot(slot uint64) {
	rootedSlot.Set(float64(slot))
}

// SetLedgerRecords sets the ledger size gauge.
func SetLedgerRecords(n int) {
	ledgerRecords.Set(float64(n))
}

// SetSubscribers sets the subscriber gauge.
func SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// RecordQueueDrop counts a subscriber queue overflow.
func RecordQueueDrop(action string) {
	queueDropsTotal.WithLabelValues(action).Inc()
}

// RecordAlarmDelivery records an alarm webhook delivery attempt.
func RecordAlarmDelivery(success bool) {
	if success {
		alarmDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alarmDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordEmissionLogAppend records an emission log append.
func RecordEmissionLogAppend() {
	emissionLogAppendsTotal.Inc()
}

// RecordHealthCheck records a liveness check result.
func RecordHealthCheck(success bool) {
	if success {
		healthChecksTotal.WithLabelValues("success").Inc()
	} else {
		healthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// RecordRateLimited counts a request rejected on surface ("http" or "grpc").
func RecordRateLimited(surface string) {
	rateLimitedTotal.WithLabelValues(surface).Inc()
}
