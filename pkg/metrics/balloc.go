package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/tierfs/pkg/balloc"
)

// allocatorMetrics is the Prometheus implementation of balloc.Metrics.
type allocatorMetrics struct {
	allocRequested *prometheus.CounterVec
	allocGranted   *prometheus.CounterVec
	freed          *prometheus.CounterVec
	steals         *prometheus.CounterVec
	noSpace        *prometheus.CounterVec
	checksumSkips  *prometheus.CounterVec
	freeBlocks     *prometheus.GaugeVec
	totalBlocks    *prometheus.GaugeVec
}

// NewAllocatorMetrics creates a Prometheus-backed balloc.Metrics.
//
// Returns nil when metrics are off (InitRegistry not called); the allocator
// accepts nil and skips instrumentation entirely.
func NewAllocatorMetrics() balloc.Metrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &allocatorMetrics{
		allocRequested: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_requested_blocks_total",
				Help: "Blocks requested from the allocator by tier",
			},
			[]string{"tier"},
		),
		allocGranted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_granted_blocks_total",
				Help: "Blocks granted by the allocator by tier",
			},
			[]string{"tier"},
		),
		freed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_freed_blocks_total",
				Help: "Blocks returned to the allocator by tier",
			},
			[]string{"tier"},
		),
		steals: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_shard_steals_total",
				Help: "Allocations redirected to a richer shard by tier",
			},
			[]string{"tier"},
		),
		noSpace: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_no_space_total",
				Help: "Allocations failed for lack of a contiguous free range by tier",
			},
			[]string{"tier"},
		),
		checksumSkips: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_alloc_checksum_skips_total",
				Help: "Free-range nodes skipped due to checksum mismatch by tier",
			},
			[]string{"tier"},
		),
		freeBlocks: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tierfs_tier_free_blocks",
				Help: "Free blocks per tier",
			},
			[]string{"tier"},
		),
		totalBlocks: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tierfs_tier_total_blocks",
				Help: "Total blocks per tier",
			},
			[]string{"tier"},
		),
	}
}

func tierLabel(tier int) string {
	return strconv.Itoa(tier)
}

func (m *allocatorMetrics) ObserveAlloc(tier int, requested, granted uint64) {
	m.allocRequested.WithLabelValues(tierLabel(tier)).Add(float64(requested))
	m.allocGranted.WithLabelValues(tierLabel(tier)).Add(float64(granted))
}

func (m *allocatorMetrics) ObserveFree(tier int, blocks uint64) {
	m.freed.WithLabelValues(tierLabel(tier)).Add(float64(blocks))
}

func (m *allocatorMetrics) IncSteal(tier int) {
	m.steals.WithLabelValues(tierLabel(tier)).Inc()
}

func (m *allocatorMetrics) IncNoSpace(tier int) {
	m.noSpace.WithLabelValues(tierLabel(tier)).Inc()
}

func (m *allocatorMetrics) IncChecksumSkip(tier int) {
	m.checksumSkips.WithLabelValues(tierLabel(tier)).Inc()
}

func (m *allocatorMetrics) SetFreeBlocks(tier int, free, total uint64) {
	m.freeBlocks.WithLabelValues(tierLabel(tier)).Set(float64(free))
	m.totalBlocks.WithLabelValues(tierLabel(tier)).Set(float64(total))
}
