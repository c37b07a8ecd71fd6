// Package metrics exposes Prometheus collectors for the HTTP layer, the
// attempt engines and the persistence workers.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeAttempts  prometheus.Gauge
	finishedTotal   *prometheus.CounterVec
	unconfirmed     prometheus.Histogram
	flushTotal      *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	proctoringTotal *prometheus.CounterVec

	wsConnections prometheus.Gauge
	wsMessages    *prometheus.CounterVec

	workerRows *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "endpoint"}),
		activeAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_attempts_active",
			Help: "Attempts currently running in this process",
		}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_attempts_finished_total",
			Help: "Attempts that reached a terminal status",
		}, []string{"status", "cause"}),
		unconfirmed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_submission_unconfirmed_responses",
			Help:    "Responses not confirmed durable at submission",
			Buckets: []float64{0, 1, 2, 5, 10, 25},
		}),
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_response_flush_total",
			Help: "Response flush attempts by outcome",
		}, []string{"outcome"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_response_flush_duration_seconds",
			Help:    "Duration of response flushes",
			Buckets: prometheus.DefBuckets,
		}),
		proctoringTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_events_total",
			Help: "Proctoring events ingested",
		}, []string{"kind", "escalated"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proctor_ws_connections",
			Help: "Open attempt WebSocket connections",
		}),
		wsMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_ws_messages_total",
			Help: "WebSocket messages by action and direction",
		}, []string{"type", "direction"}),
		workerRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proctor_worker_rows_total",
			Help: "Rows written by persistence workers",
		}, []string{"worker", "outcome"}),
	}

	reg.MustRegister(
		m.requests, m.requestDuration,
		m.activeAttempts, m.finishedTotal, m.unconfirmed,
		m.flushTotal, m.flushDuration, m.proctoringTotal,
		m.wsConnections, m.wsMessages, m.workerRows,
	)
	return m
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func (m *Metrics) AttemptStarted() { m.activeAttempts.Inc() }

func (m *Metrics) AttemptFinished(status model.AttemptStatus, cause model.SubmitCause, unconfirmed int) {
	m.activeAttempts.Dec()
	m.finishedTotal.WithLabelValues(string(status), string(cause)).Inc()
	if status != model.AttemptStatusAborted {
		m.unconfirmed.Observe(float64(unconfirmed))
	}
}

func (m *Metrics) FlushFinished(ok bool, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.flushTotal.WithLabelValues(outcome).Inc()
	m.flushDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ProctoringEvent(kind model.ProctoringKind, escalated bool) {
	m.proctoringTotal.WithLabelValues(string(kind), strconv.FormatBool(escalated)).Inc()
}

// WSConnected tracks an open socket; call the returned func on close.
func (m *Metrics) WSConnected() func() {
	m.wsConnections.Inc()
	return m.wsConnections.Dec
}

func (m *Metrics) WSMessage(kind, direction string) {
	m.wsMessages.WithLabelValues(kind, direction).Inc()
}

// WorkerRows counts rows a worker wrote or requeued.
func (m *Metrics) WorkerRows(worker, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.workerRows.WithLabelValues(worker, outcome).Add(float64(n))
}
