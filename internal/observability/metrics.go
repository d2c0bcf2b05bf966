package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneSize      *prometheus.GaugeVec
	lanePushTotal *prometheus.CounterVec
	laneDoneTotal *prometheus.CounterVec
	laneStepTime  *prometheus.HistogramVec

	pendingRequests  prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	connectionsTotal *prometheus.CounterVec
	connected        *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "dosolink_lane_size",
					Help: "Current number of buffered items by lane.",
				},
				[]string{"lane"},
			),
			lanePushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dosolink_lane_push_total",
					Help: "Total items pushed by lane.",
				},
				[]string{"lane"},
			),
			laneDoneTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dosolink_lane_processed_total",
					Help: "Total items processed by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneStepTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dosolink_lane_step_duration_seconds",
					Help:    "Lane item processing duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			pendingRequests: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "dosolink_pending_requests",
					Help: "Requests awaiting a reply.",
				},
			),
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dosolink_requests_total",
					Help: "Completed requests by outcome.",
				},
				[]string{"outcome"},
			),
			requestLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dosolink_request_duration_seconds",
					Help:    "Time from request registration to completion by outcome.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			connectionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dosolink_connection_events_total",
					Help: "Transport connection events by protocol and event.",
				},
				[]string{"protocol", "event"},
			),
			connected: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "dosolink_connected",
					Help: "Transport connection state (1 connected, 0 disconnected).",
				},
				[]string{"protocol"},
			),
		}

		prometheus.MustRegister(
			m.laneSize,
			m.lanePushTotal,
			m.laneDoneTotal,
			m.laneStepTime,
			m.pendingRequests,
			m.requestsTotal,
			m.requestLatency,
			m.connectionsTotal,
			m.connected,
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

func RecordLanePush(lane string, size int) {
	m := getMetrics()
	m.lanePushTotal.WithLabelValues(lane).Inc()
	m.laneSize.WithLabelValues(lane).Set(float64(size))
}

func SetLaneSize(lane string, size int) {
	m := getMetrics()
	m.laneSize.WithLabelValues(lane).Set(float64(size))
}

func RecordLaneProcessed(lane string, duration time.Duration, success bool, size int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.laneDoneTotal.WithLabelValues(lane, status).Inc()
	m.laneStepTime.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneSize.WithLabelValues(lane).Set(float64(size))
}

func SetPendingRequests(count int) {
	m := getMetrics()
	m.pendingRequests.Set(float64(count))
}

func RecordRequestOutcome(outcome string, duration time.Duration) {
	m := getMetrics()
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordConnectionEvent(protocol, event string) {
	m := getMetrics()
	m.connectionsTotal.WithLabelValues(protocol, event).Inc()
	value := 0.0
	if event == "connected" {
		value = 1.0
	}
	m.connected.WithLabelValues(protocol).Set(value)
}
