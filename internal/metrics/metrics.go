// Package metrics exposes the Copperplate runtime's observability surface:
// allocator occupancy, syncobj wait outcomes, timer dispatch counts, and
// cluster lookup hit rates, as Prometheus collectors. These are plain
// counters/gauges, not tracing hooks.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observer is the pluggable sink every runtime component reports through.
// A nil Observer is never passed around; use NoOpObserver when metrics are
// disabled.
type Observer interface {
	ObserveAlloc(heap string, size int, ok bool)
	ObserveFree(heap string, size int)
	ObserveHeapOccupancy(heap string, usedBytes, arenaBytes int64)
	ObserveSyncWait(object string, outcome string, latency time.Duration)
	ObserveSyncobjDepth(object string, pendCount, drainCount int)
	ObserveTimerFire(name string)
	ObserveClusterLookup(cluster string, hit bool)
}

// NoOpObserver discards every observation; used when --no-registry-style
// metrics are undesired (e.g. in unit tests).
type NoOpObserver struct{}

func (NoOpObserver) ObserveAlloc(string, int, bool)               {}
func (NoOpObserver) ObserveFree(string, int)                      {}
func (NoOpObserver) ObserveHeapOccupancy(string, int64, int64)    {}
func (NoOpObserver) ObserveSyncWait(string, string, time.Duration) {}
func (NoOpObserver) ObserveSyncobjDepth(string, int, int)         {}
func (NoOpObserver) ObserveTimerFire(string)                      {}
func (NoOpObserver) ObserveClusterLookup(string, bool)            {}

// Registry owns one Copperplate session's Prometheus collectors. Each
// session (internal/runtime.Session) creates its own Registry so that
// multiple in-process sessions (as in tests) don't collide on metric
// registration.
type Registry struct {
	reg *prometheus.Registry

	allocTotal   *prometheus.CounterVec
	allocFailed  *prometheus.CounterVec
	freeTotal    *prometheus.CounterVec
	usedBytes    *prometheus.GaugeVec
	arenaBytes   *prometheus.GaugeVec
	syncWaits    *prometheus.CounterVec
	syncLatency  *prometheus.HistogramVec
	syncPending  *prometheus.GaugeVec
	syncDraining *prometheus.GaugeVec
	timerFires   *prometheus.CounterVec
	clusterHits  *prometheus.CounterVec
}

// NewRegistry creates a fresh, unregistered-with-default Prometheus
// registry and the collectors the runtime reports through.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		allocTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_heap_alloc_total",
			Help: "Total allocations attempted against a shared heap.",
		}, []string{"heap"}),
		allocFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_heap_alloc_failed_total",
			Help: "Allocations that failed (arena exhaustion).",
		}, []string{"heap"}),
		freeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_heap_free_total",
			Help: "Total blocks freed back to a shared heap.",
		}, []string{"heap"}),
		usedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copperplate_heap_used_bytes",
			Help: "Bytes currently allocated out of a shared heap.",
		}, []string{"heap"}),
		arenaBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copperplate_heap_arena_bytes",
			Help: "Total arena size backing a shared heap.",
		}, []string{"heap"}),
		syncWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_syncobj_wait_total",
			Help: "Syncobj pend/drain outcomes by object and result.",
		}, []string{"object", "outcome"}),
		syncLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copperplate_syncobj_wait_seconds",
			Help:    "Time spent blocked in syncobj pend/drain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"object"}),
		syncPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copperplate_syncobj_pend_count",
			Help: "Current pend_list length of a syncobj.",
		}, []string{"object"}),
		syncDraining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copperplate_syncobj_drain_count",
			Help: "Current drain_list length of a syncobj.",
		}, []string{"object"}),
		timerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_timer_fire_total",
			Help: "Timer handler invocations by timer name.",
		}, []string{"timer"}),
		clusterHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "copperplate_cluster_lookup_total",
			Help: "Cluster findobj calls by cluster and hit/miss.",
		}, []string{"cluster", "result"}),
	}
}

// Gatherer exposes the underlying Prometheus registry for a caller to
// serve, e.g. from an HTTP handler. Nothing in this module serves it;
// cmd/copperplated does not expose a metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveAlloc(heap string, size int, ok bool) {
	r.allocTotal.WithLabelValues(heap).Inc()
	if !ok {
		r.allocFailed.WithLabelValues(heap).Inc()
	}
}

func (r *Registry) ObserveFree(heap string, size int) {
	r.freeTotal.WithLabelValues(heap).Inc()
}

func (r *Registry) ObserveHeapOccupancy(heap string, usedBytes, arenaBytes int64) {
	r.usedBytes.WithLabelValues(heap).Set(float64(usedBytes))
	r.arenaBytes.WithLabelValues(heap).Set(float64(arenaBytes))
}

func (r *Registry) ObserveSyncWait(object string, outcome string, latency time.Duration) {
	r.syncWaits.WithLabelValues(object, outcome).Inc()
	r.syncLatency.WithLabelValues(object).Observe(latency.Seconds())
}

func (r *Registry) ObserveSyncobjDepth(object string, pendCount, drainCount int) {
	r.syncPending.WithLabelValues(object).Set(float64(pendCount))
	r.syncDraining.WithLabelValues(object).Set(float64(drainCount))
}

func (r *Registry) ObserveTimerFire(name string) {
	r.timerFires.WithLabelValues(name).Inc()
}

func (r *Registry) ObserveClusterLookup(cluster string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.clusterHits.WithLabelValues(cluster, result).Inc()
}

var _ Observer = (*Registry)(nil)
var _ Observer = NoOpObserver{}
