package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/tierfs/pkg/migrate"
	"github.com/marmos91/tierfs/pkg/tier"
)

// migrationMetrics is the Prometheus implementation of migrate.Metrics.
type migrationMetrics struct {
	migrations *prometheus.CounterVec
	pages      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	busySkips  prometheus.Counter
	splits     prometheus.Counter
	groups     prometheus.Counter
	failures   prometheus.Counter
}

// NewMigrationMetrics creates a Prometheus-backed migrate.Metrics.
//
// Returns nil when metrics are off; the engine accepts nil and skips
// instrumentation entirely.
func NewMigrationMetrics() migrate.Metrics {
	reg := Registry()
	if reg == nil {
		return nil
	}

	return &migrationMetrics{
		migrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_migrations_total",
				Help: "Committed migrations by source and destination tier",
			},
			[]string{"from", "to"},
		),
		pages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_migrated_pages_total",
				Help: "Pages moved between tiers by source and destination",
			},
			[]string{"from", "to"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "tierfs_migration_duration_seconds",
				Help: "Duration of one migration from mark to commit",
				Buckets: []float64{
					0.0001, // pmem-to-pmem copies
					0.001,
					0.01,
					0.05,
					0.1,
					0.5,
					1,
					5,
				},
			},
			[]string{"from", "to"},
		),
		busySkips: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tierfs_migration_busy_skips_total",
				Help: "Entries skipped because another migration held them",
			},
		),
		splits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tierfs_migration_splits_total",
				Help: "Entries split at optimal-unit boundaries",
			},
		),
		groups: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tierfs_migration_groups_total",
				Help: "Group migrations committed as merged entries",
			},
		),
		failures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tierfs_migration_failures_total",
				Help: "Migrations aborted before commit",
			},
		),
	}
}

func (m *migrationMetrics) ObserveMigration(from, to tier.Tier, pages uint64, elapsed time.Duration) {
	m.migrations.WithLabelValues(from.String(), to.String()).Inc()
	m.pages.WithLabelValues(from.String(), to.String()).Add(float64(pages))
	m.duration.WithLabelValues(from.String(), to.String()).Observe(elapsed.Seconds())
}

func (m *migrationMetrics) IncBusySkip() {
	m.busySkips.Inc()
}

func (m *migrationMetrics) IncSplit() {
	m.splits.Inc()
}

func (m *migrationMetrics) IncGroup() {
	m.groups.Inc()
}

func (m *migrationMetrics) IncFailure() {
	m.failures.Inc()
}
