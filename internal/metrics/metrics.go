// Package metrics provides Prometheus instrumentation for the gateway.
//
// Metrics registered here:
//
//	stbgate_portal_requests_total      counter: portal GETs by action and result
//	stbgate_portal_reauth_total        counter: reauthentication cycles by result
//	stbgate_portal_quarantines_total   counter: timeout flags set after failed reauth
//	stbgate_sync_runs_total            counter: background sync runs by task and result
//	stbgate_sync_duration_seconds      histogram: sync run latency by task
//	stbgate_sync_rejections_total      counter: entries dropped during sync by task and kind
//	stbgate_proxy_playlists_total      counter: manifest rewrites by result
//	stbgate_proxy_segments_total       counter: tunnelled segment fetches by upstream status
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PortalRequests counts portal GETs by action (query "action" parameter) and result.
var PortalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_portal_requests_total",
	Help: "Portal requests by action and result.",
}, []string{"action", "result"})

// PortalReauth counts handshake+authorize cycles.
var PortalReauth = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_portal_reauth_total",
	Help: "Portal reauthentication cycles by result.",
}, []string{"result"})

// PortalQuarantines counts how often a device was put behind the timeout flag.
var PortalQuarantines = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stbgate_portal_quarantines_total",
	Help: "Devices quarantined after failed reauthentication.",
})

// SyncRuns counts background sync runs by task and result.
var SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_sync_runs_total",
	Help: "Background sync runs by task and result.",
}, []string{"task", "result"})

// SyncDuration observes sync run latency.
var SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stbgate_sync_duration_seconds",
	Help:    "Background sync run duration in seconds.",
	Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"task"})

// SyncRejections counts portal entries dropped by validation.
var SyncRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_sync_rejections_total",
	Help: "Portal entries rejected during sync by task and kind.",
}, []string{"task", "kind"})

// ProxyPlaylists counts manifest rewrites.
var ProxyPlaylists = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_proxy_playlists_total",
	Help: "Proxied playlist requests by result.",
}, []string{"result"})

// ProxySegments counts tunnelled segment fetches by upstream status code.
var ProxySegments = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stbgate_proxy_segments_total",
	Help: "Proxied segment requests by upstream status.",
}, []string{"status"})

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
