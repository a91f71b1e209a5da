package services

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"sprout/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics exposes the core's state to Prometheus on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	sensorReadings  prometheus.Counter
	sensorValue     *prometheus.GaugeVec
	wateringSeconds *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sprout_events_total",
				Help: "Event log entries kept, by category and action.",
			},
			[]string{"category", "action"},
		),
		sensorReadings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sprout_sensor_readings_total",
				Help: "Sensor snapshots received.",
			},
		),
		sensorValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sprout_sensor_value",
				Help: "Latest usable sensor reading by metric.",
			},
			[]string{"metric"},
		),
		wateringSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sprout_watering_duration_seconds",
				Help:    "Length of finished watering sessions.",
				Buckets: []float64{1, 5, 10, 15, 20, 30, 45, 60, 120},
			},
			[]string{"pump", "reason"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sprout_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sprout_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	m.registry.MustRegister(m.events, m.sensorReadings, m.sensorValue, m.wateringSeconds, m.httpRequests, m.httpLatency)
	return m
}

// Attach counts every kept event log entry and tracks readings from feed.
// The returned function detaches from the feed.
func (m *Metrics) Attach(events *EventLog, feed *SensorFeed) func() {
	if m == nil {
		return func() {}
	}
	events.OnAppend(m.observeEvent)
	return feed.Subscribe(m.observeSnapshot)
}

func (m *Metrics) observeEvent(item models.EventLogItem) {
	m.events.WithLabelValues(string(item.Category), item.Action).Inc()

	reason, ok := strings.CutPrefix(item.Action, "pump_off_")
	if !ok || reason == "failed" {
		return
	}
	pump, _ := item.Meta["pump_id"].(string)
	elapsed, ok := item.Meta["elapsed_seconds"].(int)
	if !ok {
		return
	}
	m.wateringSeconds.WithLabelValues(pump, reason).Observe(float64(elapsed))
}

func (m *Metrics) observeSnapshot(snap models.SensorSnapshot) {
	m.sensorReadings.Inc()
	if !snap.Usable() {
		return
	}
	m.sensorValue.WithLabelValues("soil_moisture").Set(snap.SoilMoisture)
	m.sensorValue.WithLabelValues("temperature").Set(snap.Temperature)
	m.sensorValue.WithLabelValues("humidity").Set(snap.Humidity)
}

// WatchPumps exports each pump's status as a 0/1 gauge per state.
func (m *Metrics) WatchPumps(pumps *PumpSet) {
	if m == nil {
		return
	}
	for _, pump := range pumps.All() {
		for _, status := range []models.PumpStatus{models.PumpIdle, models.PumpWatering, models.PumpCooldown} {
			m.registry.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name:        "sprout_pump_status",
					Help:        "1 when the pump is in the labelled state.",
					ConstLabels: prometheus.Labels{"pump": string(pump.ID()), "status": string(status)},
				},
				func() float64 {
					if pump.State().Status == status {
						return 1
					}
					return 0
				},
			))
		}
	}
}

// WatchAlerts exports the unread inbox size.
func (m *Metrics) WatchAlerts(alerts *AlertService) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sprout_notifications_unread",
			Help: "Unread threshold notifications in the inbox.",
		},
		func() float64 { return float64(alerts.UnreadCount()) },
	))
}

// WatchBreaker exports the remote channel's circuit breaker state
// (0 closed, 1 half-open, 2 open).
func (m *Metrics) WatchBreaker(remote *ResilientRemote) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "sprout_remote_breaker_state",
			Help: "Remote channel circuit breaker state.",
		},
		func() float64 {
			switch remote.BreakerState() {
			case gobreaker.StateHalfOpen:
				return 1
			case gobreaker.StateOpen:
				return 2
			default:
				return 0
			}
		},
	))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency, labelled by route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(srw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(srw.statusCode)
		m.httpRequests.WithLabelValues(r.Method, path, status).Inc()
		m.httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
