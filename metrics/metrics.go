// Package metrics provides Prometheus metrics for token authentication and
// public key discovery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "distauth"

var (
	// KeyCacheLookups counts public key cache lookups by result (hit, miss, expired).
	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "key_cache",
			Name:      "lookups_total",
			Help:      "Public key cache lookups by result",
		},
		[]string{"result"},
	)

	// DiscoveryFetches counts outbound discovery requests by step and outcome.
	DiscoveryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "fetches_total",
			Help:      "Outbound metadata and JWKS requests by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// DiscoveryDuration observes the latency of each outbound discovery request.
	DiscoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of metadata and JWKS requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Authentications counts pipeline results; kind is "ok" or the error kind.
	Authentications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "results_total",
			Help:      "Token authentication results by kind",
		},
		[]string{"kind"},
	)

	// CSRFRejections counts requests rejected by the double-submit guard.
	CSRFRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "rejections_total",
			Help:      "Requests rejected by CSRF protection by kind",
		},
		[]string{"kind"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
