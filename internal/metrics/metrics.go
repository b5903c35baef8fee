// Package metrics holds botrelay's Prometheus collectors.
//
// Collectors are package-level and registered once on a dedicated registry,
// which the gateway and dispatcher expose on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every botrelay collector is registered on.
var Registry = prometheus.NewRegistry()

var (
	// BotExecutions counts finished dispatches by outcome (completed, failed).
	BotExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_executions_total",
			Help: "Total number of bot executions",
		},
		[]string{"bot_type", "status", "service"},
	)

	// BotExecutionDuration observes the wall time of a dispatch from claim to cleanup.
	BotExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_execution_duration_seconds",
			Help:    "Duration of bot executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"bot_type", "service"},
	)

	// AdmissionDecisions counts gateway admissions by outcome.
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"bot_type", "outcome"},
	)

	// CallbackDeliveries counts result deliveries to callback addresses.
	CallbackDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook deliveries",
		},
		[]string{"status", "http_code"},
	)

	// QueueSize reports job counts per queue and state.
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_size",
			Help: "Current size of queues",
		},
		[]string{"queue_name", "state"},
	)

	// QueueJobsProcessed counts jobs finished by a queue consumer.
	QueueJobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_processed_total",
			Help: "Total number of jobs processed by queue",
		},
		[]string{"queue_name", "status"},
	)

	// SemaphoreUsage reports concurrency counters and slot pool sizes.
	SemaphoreUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "semaphore_usage",
			Help: "Current semaphore usage",
		},
		[]string{"semaphore_name"},
	)

	// SemaphoreWaiting reports dispatches currently waiting for a slot.
	SemaphoreWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "semaphore_waiting",
			Help: "Number of tasks waiting for semaphore",
		},
		[]string{"semaphore_name"},
	)

	// ServiceHealth is 1 while the process considers itself healthy.
	ServiceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_health",
			Help: "Service health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{"service", "version"},
	)

	// CounterAudit reports, per bot, how far the concurrency counter exceeds its limit (0 when healthy).
	CounterAudit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "semaphore_counter_anomalies",
			Help: "Amount by which a concurrency counter exceeded its configured limit at the last audit",
		},
		[]string{"bot_type"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		Registry.MustRegister(BotExecutions)
		Registry.MustRegister(BotExecutionDuration)
		Registry.MustRegister(AdmissionDecisions)
		Registry.MustRegister(CallbackDeliveries)
		Registry.MustRegister(QueueSize)
		Registry.MustRegister(QueueJobsProcessed)
		Registry.MustRegister(SemaphoreUsage)
		Registry.MustRegister(SemaphoreWaiting)
		Registry.MustRegister(ServiceHealth)
		Registry.MustRegister(CounterAudit)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
