// Package metrics exposes Prometheus counters for the detectors, sessions
// and the HTTP surface. Every helper is a no-op until Init runs.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "shake_relax_"

	ResultSaved = "saved"
	ResultError = "error"
)

var (
	registerOnce sync.Once

	readingsTotal    *prometheus.CounterVec
	shakeTransitions *prometheus.CounterVec
	shaking          *prometheus.GaugeVec
	intensity        *prometheus.GaugeVec

	sensorErrors *prometheus.CounterVec

	calmConfirmed    prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	timeToRelax      prometheus.Histogram

	watcherFired prometheus.Counter

	httpRequests *prometheus.CounterVec
)

// Init registers all collectors on the default registry.
func Init() {
	registerOnce.Do(func() {
		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Motion readings processed by detector",
			},
			[]string{"detector"},
		)
		shakeTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "shake_transitions_total",
				Help: "Shaking state changes by detector and new state",
			},
			[]string{"detector", "state"},
		)
		shaking = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "shaking",
				Help: "1 while the detector reports shaking",
			},
			[]string{"detector"},
		)
		intensity = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "intensity_g",
				Help: "Latest smoothed intensity in g",
			},
			[]string{"detector"},
		)
		sensorErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensor_errors_total",
				Help: "Sensor read or decode failures by source",
			},
			[]string{"source"},
		)
		calmConfirmed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "calm_confirmed_total",
				Help: "Sustained stillness confirmations",
			},
		)
		sessionsFinished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sessions_finished_total",
				Help: "Finished sessions by save result",
			},
			[]string{"result"},
		)
		sessionDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "session_stressed_seconds",
				Help:    "Accumulated shaking time per finished session",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		)
		timeToRelax = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "time_to_relax_seconds",
				Help:    "Time to relax per finished session",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		)
		watcherFired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "watcher_fired_total",
				Help: "Navigations triggered by the global shake watcher",
			},
		)
		httpRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		)

		prometheus.MustRegister(
			readingsTotal,
			shakeTransitions,
			shaking,
			intensity,
			sensorErrors,
			calmConfirmed,
			sessionsFinished,
			sessionDuration,
			timeToRelax,
			watcherFired,
			httpRequests,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveReading records one detector reading.
func ObserveReading(detector string, isShaking bool, value float64) {
	if readingsTotal == nil {
		return
	}
	readingsTotal.WithLabelValues(detector).Inc()
	v := 0.0
	if isShaking {
		v = 1
	}
	shaking.WithLabelValues(detector).Set(v)
	intensity.WithLabelValues(detector).Set(value)
}

// ObserveTransition counts a debounced shaking flip.
func ObserveTransition(detector string, nowShaking bool) {
	if shakeTransitions == nil {
		return
	}
	state := "still"
	if nowShaking {
		state = "shaking"
	}
	shakeTransitions.WithLabelValues(detector, state).Inc()
}

func IncSensorError(source string) {
	if source == "" {
		source = "unknown"
	}
	if sensorErrors != nil {
		sensorErrors.WithLabelValues(source).Inc()
	}
}

func IncCalmConfirmed() {
	if calmConfirmed != nil {
		calmConfirmed.Inc()
	}
}

// ObserveSessionFinished records a finished session and whether it was saved.
func ObserveSessionFinished(result string, stressed, toRelax time.Duration) {
	if sessionsFinished == nil {
		return
	}
	sessionsFinished.WithLabelValues(result).Inc()
	sessionDuration.Observe(stressed.Seconds())
	timeToRelax.Observe(toRelax.Seconds())
}

func IncWatcherFired() {
	if watcherFired != nil {
		watcherFired.Inc()
	}
}

func ObserveHTTP(route string, code int) {
	if httpRequests != nil {
		httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	}
}
