package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	ticksTotal   *prometheus.CounterVec
	tickDuration prometheus.Histogram
	tickOmitted  prometheus.Gauge

	observationUpdates *prometheus.CounterVec
	observationDropped *prometheus.CounterVec

	reasoningTotal    *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec
	reasoningRetries  *prometheus.CounterVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	diagnosticsTotal   *prometheus.CounterVec
	actuatorsActive    prometheus.Gauge
	websocketClients   prometheus.Gauge
	sourceRestartTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_size",
					Help: "Current queued commands by actuator lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_enqueue_total",
					Help: "Total enqueue operations by actuator lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_dequeue_total",
					Help: "Total completions by actuator lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_task_duration_seconds",
					Help:    "Command execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			ticksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ticks_total",
					Help: "Total orchestrator ticks by outcome.",
				},
				[]string{"outcome"},
			),
			tickDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "tick_duration_seconds",
					Help:    "Critical path duration of a tick in seconds.",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
				},
			),
			tickOmitted: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tick_omitted_channels",
					Help: "Channels omitted from the latest cognition request.",
				},
			),
			observationUpdates: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "observation_updates_total",
					Help: "Observation store updates by channel and result.",
				},
				[]string{"channel", "result"},
			),
			observationDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "observation_dropped_total",
					Help: "Observations dropped at ingress because the queue was full.",
				},
				[]string{"channel"},
			),
			reasoningTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reasoning_calls_total",
					Help: "Reasoning calls by backend and outcome.",
				},
				[]string{"backend", "outcome"},
			),
			reasoningDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "reasoning_duration_seconds",
					Help:    "Reasoning latency in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			reasoningRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reasoning_retries_total",
					Help: "Transient reasoning failures that were retried.",
				},
				[]string{"backend"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_total",
					Help: "Actuator dispatches by actuator and terminal status.",
				},
				[]string{"actuator", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_duration_seconds",
					Help:    "Actuator execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"actuator"},
			),
			diagnosticsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "diagnostics_total",
					Help: "Diagnostic records emitted by kind.",
				},
				[]string{"kind"},
			),
			actuatorsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "actuators_registered",
					Help: "Actuator adapters currently registered.",
				},
			),
			websocketClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "websocket_clients",
					Help: "Connected websocket clients.",
				},
			),
			sourceRestartTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "input_source_restarts_total",
					Help: "Input source restarts after failure.",
				},
				[]string{"channel"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.ticksTotal,
			m.tickDuration,
			m.tickOmitted,
			m.observationUpdates,
			m.observationDropped,
			m.reasoningTotal,
			m.reasoningDuration,
			m.reasoningRetries,
			m.dispatchTotal,
			m.dispatchDuration,
			m.diagnosticsTotal,
			m.actuatorsActive,
			m.websocketClients,
			m.sourceRestartTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordTick(duration time.Duration, noop bool, omitted int) {
	m := getMetrics()
	outcome := "actions"
	if noop {
		outcome = "noop"
	}
	m.ticksTotal.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(duration.Seconds())
	m.tickOmitted.Set(float64(omitted))
}

func RecordObservationUpdate(channel string, applied bool) {
	m := getMetrics()
	result := "applied"
	if !applied {
		result = "out_of_order"
	}
	m.observationUpdates.WithLabelValues(channel, result).Inc()
}

func RecordObservationDropped(channel string) {
	getMetrics().observationDropped.WithLabelValues(channel).Inc()
}

// RecordReasoning records one reasoning call. outcome is "success" or a diagnostic kind.
func RecordReasoning(backend, outcome string, duration time.Duration) {
	m := getMetrics()
	m.reasoningTotal.WithLabelValues(backend, outcome).Inc()
	m.reasoningDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

func RecordReasoningRetry(backend string) {
	getMetrics().reasoningRetries.WithLabelValues(backend).Inc()
}

func RecordDispatch(actuator, status string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(actuator, status).Inc()
	m.dispatchDuration.WithLabelValues(actuator).Observe(duration.Seconds())
}

func RecordDiagnostic(kind string) {
	getMetrics().diagnosticsTotal.WithLabelValues(kind).Inc()
}

func SetActuatorsRegistered(count int) {
	getMetrics().actuatorsActive.Set(float64(count))
}

func SetWebsocketClients(count int) {
	getMetrics().websocketClients.Set(float64(count))
}

func RecordSourceRestart(channel string) {
	getMetrics().sourceRestartTotal.WithLabelValues(channel).Inc()
}
