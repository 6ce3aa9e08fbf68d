package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/tierfs/pkg/tier"
)

// The registry is process-wide, so one test drives the whole lifecycle.
func TestMetricsLifecycle(t *testing.T) {
	require.False(t, IsEnabled())
	assert.Nil(t, NewAllocatorMetrics(), "constructors return nil while metrics are off")
	assert.Nil(t, NewMigrationMetrics())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)

	InitRegistry()
	InitRegistry() // idempotent
	require.True(t, IsEnabled())

	am := NewAllocatorMetrics()
	require.NotNil(t, am)
	am.ObserveAlloc(0, 16, 16)
	am.ObserveFree(0, 16)
	am.IncSteal(0)
	am.IncNoSpace(1)
	am.IncChecksumSkip(0)
	am.SetFreeBlocks(0, 1000, 1024)

	mm := NewMigrationMetrics()
	require.NotNil(t, mm)
	mm.ObserveMigration(tier.Pmem, tier.BdevLow, 16, 5*time.Millisecond)
	mm.IncBusySkip()
	mm.IncSplit()
	mm.IncGroup()
	mm.IncFailure()

	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "tierfs_alloc_granted_blocks_total")
	assert.Contains(t, body, "tierfs_migrations_total")
	assert.Contains(t, body, `from="pmem"`)
}
