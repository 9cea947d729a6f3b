package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "always_offline",
			Name:      "requests_total",
			Help:      "Total number of requests handled, by class and outcome",
		},
		[]string{"class", "strategy", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "always_offline",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests handled",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	offlineFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "always_offline",
			Name:      "offline_fallbacks_total",
			Help:      "Total synthesized offline responses",
		},
		[]string{"kind"},
	)

	deferredWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "always_offline",
			Name:      "deferred_writes_total",
			Help:      "Deferred writes by tag and event (queued, delivered, failed, dead)",
		},
		[]string{"tag", "event"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "always_offline",
			Name:      "background_refreshes_total",
			Help:      "Background refreshes by result",
		},
		[]string{"result"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "always_offline",
			Name:      "origin_online",
			Help:      "Whether the last connectivity probe reached the origin",
		},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(requestTotal, requestDuration, offlineFallbacks, deferredWrites, refreshes, online)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRequest(class, strategy, outcome string, d time.Duration) {
	requestTotal.WithLabelValues(class, strategy, outcome).Inc()
	requestDuration.WithLabelValues(class).Observe(d.Seconds())
}

func IncOfflineFallback(kind string) {
	offlineFallbacks.WithLabelValues(kind).Inc()
}

func AddDeferred(tag, event string, n int) {
	if n > 0 {
		deferredWrites.WithLabelValues(tag, event).Add(float64(n))
	}
}

func IncRefresh(result string) {
	refreshes.WithLabelValues(result).Inc()
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
	} else {
		online.Set(0)
	}
}
