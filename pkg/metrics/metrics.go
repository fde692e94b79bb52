package metrics

import (
	"net/http"
	"time"

	"geocache/pkg/membership"
	"geocache/pkg/replication"
	"geocache/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geocache"

// Metrics holds the Prometheus collectors of one node. Every node owns its registry so
// several nodes can live in one process (tests, demos).
type Metrics struct {
	registry   *prometheus.Registry
	registerer prometheus.Registerer

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BatchesSent       *prometheus.CounterVec
	RecordsSent       *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	SnapshotsSent     *prometheus.CounterVec
	RecordsReceived   *prometheus.CounterVec
	ResyncsRequested  *prometheus.CounterVec
	PeerHealth        *prometheus.GaugeVec
	PeerTransitions   *prometheus.CounterVec
	LogRecords        prometheus.Gauge
	LogTruncated      prometheus.Counter
	PeersDetached     *prometheus.CounterVec
	SweepRemoved      prometheus.Counter
	Partitioned       prometheus.Gauge
	ReplicationLagSeq *prometheus.GaugeVec
}

func New(region string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"region": region}, reg)
	f := promauto.With(wrapped)

	return &Metrics{
		registry:   reg,
		registerer: wrapped,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client operations by operation and outcome",
		}, []string{"op", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Client operation latency by operation",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		}, []string{"op"}),

		BatchesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "batches_sent_total",
			Help:      "Batches acknowledged by a peer",
		}, []string{"peer"}),
		RecordsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "records_sent_total",
			Help:      "Records delivered to a peer",
		}, []string{"peer"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "send_failures_total",
			Help:      "Failed deliveries by peer",
		}, []string{"peer"}),
		SnapshotsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "snapshots_sent_total",
			Help:      "Snapshot resyncs delivered to a peer",
		}, []string{"peer"}),
		RecordsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "records_received_total",
			Help:      "Received records by origin and outcome",
		}, []string{"origin", "outcome"}),
		ResyncsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "resyncs_requested_total",
			Help:      "Resync requests sent back to an origin",
		}, []string{"origin"}),
		PeerHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "peer_health",
			Help:      "Peer health: 0 healthy, 1 suspect, 2 down",
		}, []string{"peer"}),
		PeerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "transitions_total",
			Help:      "Peer health transitions by target state",
		}, []string{"peer", "to"}),
		LogRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replog",
			Name:      "records",
			Help:      "Records retained in the replication log",
		}),
		LogTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replog",
			Name:      "truncated_total",
			Help:      "Records dropped from the replication log",
		}),
		PeersDetached: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replog",
			Name:      "peers_detached_total",
			Help:      "Peers detached from log retention by reason",
		}, []string{"peer", "reason"}),
		SweepRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "sweep_removed_total",
			Help:      "Entries removed by the expiration sweep",
		}),
		Partitioned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "partitioned",
			Help:      "1 when no peer region is reachable",
		}),
		ReplicationLagSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "lag_records",
			Help:      "Log records not yet acknowledged by a peer",
		}, []string{"peer"}),
	}
}

// RegisterStore exposes the store counters; stats is called on every scrape.
func (m *Metrics) RegisterStore(stats func() store.Stats, capacity int) {
	f := promauto.With(m.registerer)
	gauge := func(name, help string, fn func(store.Stats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "store", Name: name, Help: help},
			func() float64 { return fn(stats()) })
	}
	counter := func(name, help string, fn func(store.Stats) float64) {
		f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "store", Name: name, Help: help},
			func() float64 { return fn(stats()) })
	}

	gauge("entries", "Stored entries including tombstones", func(s store.Stats) float64 { return float64(s.Entries) })
	gauge("tombstones", "Stored delete markers", func(s store.Stats) float64 { return float64(s.Tombstones) })
	counter("hits_total", "Reads that found a live entry", func(s store.Stats) float64 { return float64(s.Hits) })
	counter("misses_total", "Reads that found nothing", func(s store.Stats) float64 { return float64(s.Misses) })
	counter("evictions_total", "Entries evicted for capacity", func(s store.Stats) float64 { return float64(s.Evictions) })
	counter("expirations_total", "Entries removed after their deadline", func(s store.Stats) float64 { return float64(s.Expirations) })

	f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "capacity",
		Help:      "Configured maximum number of entries",
	}).Set(float64(capacity))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRequest(op, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(op, status).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) BatchSent(peer string, records int, snapshot bool) {
	m.BatchesSent.WithLabelValues(peer).Inc()
	m.RecordsSent.WithLabelValues(peer).Add(float64(records))
	if snapshot {
		m.SnapshotsSent.WithLabelValues(peer).Inc()
	}
}

func (m *Metrics) SendFailed(peer string) {
	m.SendFailures.WithLabelValues(peer).Inc()
}

func (m *Metrics) BatchReceived(origin string, stats replication.ReceiveStats, _ bool) {
	m.RecordsReceived.WithLabelValues(origin, "applied").Add(float64(stats.Applied))
	m.RecordsReceived.WithLabelValues(origin, "superseded").Add(float64(stats.Superseded))
	m.RecordsReceived.WithLabelValues(origin, "duplicate").Add(float64(stats.Duplicates))
	m.RecordsReceived.WithLabelValues(origin, "rejected").Add(float64(stats.Rejected))
}

func (m *Metrics) ResyncRequested(origin string) {
	m.ResyncsRequested.WithLabelValues(origin).Inc()
}

func (m *Metrics) ObserveTransition(tr membership.Transition) {
	m.PeerHealth.WithLabelValues(tr.Region).Set(float64(tr.To))
	m.PeerTransitions.WithLabelValues(tr.Region, tr.To.String()).Inc()
}

func (m *Metrics) SetPartitioned(partitioned bool) {
	if partitioned {
		m.Partitioned.Set(1)
		return
	}
	m.Partitioned.Set(0)
}
