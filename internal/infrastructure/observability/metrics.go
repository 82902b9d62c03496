package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	ActiveTransfers  prometheus.Gauge

	// Bank call metrics
	BankRequestsTotal   *prometheus.CounterVec
	BankRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	ReconciliationAttempts *prometheus.CounterVec
	ReconciliationPending  prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of transfer attempts by outcome",
			},
			[]string{"outcome"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Transfer orchestration duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		ActiveTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transfers",
				Help:      "Number of transfers currently being orchestrated",
			},
		),
		BankRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bank_requests_total",
				Help:      "Total number of calls to bank services",
			},
			[]string{"bank", "operation", "result"},
		),
		BankRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bank_request_duration_seconds",
				Help:      "Bank service call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"bank", "operation"},
		),
		ReconciliationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_attempts_total",
				Help:      "Total number of reconciliation attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		ReconciliationPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconciliation_pending",
				Help:      "Number of reconciliation items waiting for work",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"bank"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stream"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.TransfersTotal,
		m.TransferDuration,
		m.ActiveTransfers,
		m.BankRequestsTotal,
		m.BankRequestDuration,
		m.ReconciliationAttempts,
		m.ReconciliationPending,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
	)

	return m
}

// The helpers below are no-ops on a nil *Metrics so callers and tests can run without a registry.

func (m *Metrics) ObserveTransfer(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(outcome).Inc()
	m.TransferDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) TransferStarted() {
	if m == nil {
		return
	}
	m.ActiveTransfers.Inc()
}

func (m *Metrics) TransferFinished() {
	if m == nil {
		return
	}
	m.ActiveTransfers.Dec()
}

func (m *Metrics) ObserveBankCall(bank, operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BankRequestsTotal.WithLabelValues(bank, operation, result).Inc()
	m.BankRequestDuration.WithLabelValues(bank, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) SetBreakerState(bank string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(bank).Set(float64(state))
}

func (m *Metrics) ObserveReconciliation(kind, result string) {
	if m == nil {
		return
	}
	m.ReconciliationAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetReconciliationPending(n int) {
	if m == nil {
		return
	}
	m.ReconciliationPending.Set(float64(n))
}

func (m *Metrics) ObserveWorkerMessage(stream, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WorkerMessagesProcessed.WithLabelValues(stream, status).Inc()
	m.WorkerProcessingDuration.WithLabelValues(stream).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHTTPRequest(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
