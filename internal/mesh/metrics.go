package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// DropReason labels why a frame was dropped, for the
// meshnode_frames_dropped_total counter vector.
type DropReason string

const (
	DropBadVersion      DropReason = "bad_version"
	DropShortFrame      DropReason = "short_frame"
	DropDuplicate       DropReason = "duplicate"
	DropAuthFail        DropReason = "auth_fail"
	DropDecompressFail  DropReason = "decompress_fail"
	DropNoRoute         DropReason = "no_route"
	DropTTLExpired      DropReason = "ttl_expired"
)

// Metrics is a prometheus.Collector reading the mesh node's routing/dedup
// tables and link state on each Collect, and accumulating counters between
// scrapes: the forwarded and delivered totals via atomic operations, the
// per-reason drop totals under its own dropMu. dropMu is never held while
// another lock is taken, so wiring the collector in adds no new lock
// ordering.
type Metrics struct {
	routing *RoutingTable
	dedup   *DedupCache

	txQueueDepth  func() int
	linkConnected func() bool

	forwardedTotal atomic.Uint64
	deliveredTotal atomic.Uint64

	dropMu    sync.Mutex
	dropTotal map[DropReason]uint64

	originatorsDesc  *prometheus.Desc
	neighborsDesc    *prometheus.Desc
	dedupEntriesDesc *prometheus.Desc
	txQueueDesc      *prometheus.Desc
	linkConnDesc     *prometheus.Desc
	forwardedDesc    *prometheus.Desc
	deliveredDesc    *prometheus.Desc
	droppedDesc      *prometheus.Desc
}

// NewMetrics builds a Metrics collector. txQueueDepth and linkConnected are
// callbacks so the collector can read live link-manager state without
// owning it.
func NewMetrics(routing *RoutingTable, dedup *DedupCache, txQueueDepth func() int, linkConnected func() bool) *Metrics {
	return &Metrics{
		routing:       routing,
		dedup:         dedup,
		txQueueDepth:  txQueueDepth,
		linkConnected: linkConnected,
		dropTotal:     make(map[DropReason]uint64),

		originatorsDesc: prometheus.NewDesc(
			"meshnode_originators", "Number of entries in the originator table.", nil, nil),
		neighborsDesc: prometheus.NewDesc(
			"meshnode_neighbors", "Number of entries in the neighbor table.", nil, nil),
		dedupEntriesDesc: prometheus.NewDesc(
			"meshnode_dedup_entries", "Number of entries in the DATA dedup cache.", nil, nil),
		txQueueDesc: prometheus.NewDesc(
			"meshnode_tx_queue_depth", "Current depth of the link manager's TX queue.", nil, nil),
		linkConnDesc: prometheus.NewDesc(
			"meshnode_link_connected", "Whether the link manager currently has a live transport (1) or not (0).", nil, nil),
		forwardedDesc: prometheus.NewDesc(
			"meshnode_frames_forwarded_total", "Total DATA and OGM frames forwarded.", nil, nil),
		deliveredDesc: prometheus.NewDesc(
			"meshnode_frames_delivered_total", "Total DATA frames delivered to the local application.", nil, nil),
		droppedDesc: prometheus.NewDesc(
			"meshnode_frames_dropped_total", "Total frames dropped, by reason.", []string{"reason"}, nil),
	}
}

// IncForwarded records one forwarded frame (DATA or OGM).
func (m *Metrics) IncForwarded() {
	m.forwardedTotal.Add(1)
}

// IncDelivered records one DATA frame delivered to the local application.
func (m *Metrics) IncDelivered() {
	m.deliveredTotal.Add(1)
}

// IncDropped records one frame dropped for reason.
func (m *Metrics) IncDropped(reason DropReason) {
	m.dropMu.Lock()
	defer m.dropMu.Unlock()
	m.dropTotal[reason]++
}

func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	descs <- m.originatorsDesc
	descs <- m.neighborsDesc
	descs <- m.dedupEntriesDesc
	descs <- m.txQueueDesc
	descs <- m.linkConnDesc
	descs <- m.forwardedDesc
	descs <- m.deliveredDesc
	descs <- m.droppedDesc
}

func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(
		m.originatorsDesc, prometheus.GaugeValue, float64(m.routing.OriginatorCount()))
	metrics <- prometheus.MustNewConstMetric(
		m.neighborsDesc, prometheus.GaugeValue, float64(m.routing.NeighborCount()))
	metrics <- prometheus.MustNewConstMetric(
		m.dedupEntriesDesc, prometheus.GaugeValue, float64(m.dedup.Count()))

	if m.txQueueDepth != nil {
		metrics <- prometheus.MustNewConstMetric(
			m.txQueueDesc, prometheus.GaugeValue, float64(m.txQueueDepth()))
	}
	if m.linkConnected != nil {
		connected := 0.0
		if m.linkConnected() {
			connected = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(m.linkConnDesc, prometheus.GaugeValue, connected)
	}

	metrics <- prometheus.MustNewConstMetric(
		m.forwardedDesc, prometheus.CounterValue, float64(m.forwardedTotal.Load()))
	metrics <- prometheus.MustNewConstMetric(
		m.deliveredDesc, prometheus.CounterValue, float64(m.deliveredTotal.Load()))

	m.dropMu.Lock()
	defer m.dropMu.Unlock()
	for reason, count := range m.dropTotal {
		metrics <- prometheus.MustNewConstMetric(
			m.droppedDesc, prometheus.CounterValue, float64(count), string(reason))
	}
}
