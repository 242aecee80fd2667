// Package metrics registers the Prometheus collectors of both servers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000}

var (
	ZoneServiceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaposte_zone_service_requests_total",
		Help: "Zone data service calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	ZoneServiceDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediaposte_zone_service_duration_ms",
		Help:    "Zone data service call duration in milliseconds",
		Buckets: durationBuckets,
	}, []string{"endpoint"})
	LoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaposte_loads_total",
		Help: "Viewport loads by zone kind and outcome",
	}, []string{"kind", "outcome"})
	ZonesLoadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaposte_zones_loaded_total",
		Help: "Zones added to a cache by zone kind",
	}, []string{"kind"})
	ZonesInvalidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaposte_zones_invalid_total",
		Help: "Zone records dropped for invalid geometry",
	}, []string{"kind"})
	ConversionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaposte_conversions_total",
		Help: "Conversions by outcome",
	}, []string{"outcome"})
	ConversionDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediaposte_conversion_duration_ms",
		Help:    "Conversion duration in milliseconds",
		Buckets: durationBuckets,
	})
	ConversionExactTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediaposte_conversion_exact_total",
		Help: "Exact union computations performed by conversions",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediaposte_active_sessions",
		Help: "Targeting sessions currently alive",
	})
	ZoneDataRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonedata_requests_total",
		Help: "Zone data service requests by endpoint and status",
	}, []string{"endpoint", "status"})
	ZoneDataCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonedata_cache_hits_total",
		Help: "Redis response cache hits",
	})
	ZoneDataCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonedata_cache_misses_total",
		Help: "Redis response cache misses",
	})
)

func init() {
	prometheus.MustRegister(ZoneServiceRequestsTotal)
	prometheus.MustRegister(ZoneServiceDurationMs)
	prometheus.MustRegister(LoadsTotal)
	prometheus.MustRegister(ZonesLoadedTotal)
	prometheus.MustRegister(ZonesInvalidTotal)
	prometheus.MustRegister(ConversionsTotal)
	prometheus.MustRegister(ConversionDurationMs)
	prometheus.MustRegister(ConversionExactTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(ZoneDataRequestsTotal)
	prometheus.MustRegister(ZoneDataCacheHitsTotal)
	prometheus.MustRegister(ZoneDataCacheMissesTotal)
}

// ObserveZoneServiceCall records one zone data service call. Its signature
// matches the zoneservice client's call hook.
func ObserveZoneServiceCall(endpoint string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ZoneServiceRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	ZoneServiceDurationMs.WithLabelValues(endpoint).Observe(Ms(d))
}

// Ms converts a duration to fractional milliseconds.
func Ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
