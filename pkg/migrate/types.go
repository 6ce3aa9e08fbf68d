// Package migrate moves file data between tiers. Every move follows the
// same pipeline: check the entry, mark it against concurrent movers,
// allocate on the destination, copy behind a drain barrier, then commit the
// new mapping durably before releasing the source blocks.
package migrate

import (
	"errors"
	"time"

	"github.com/marmos91/tierfs/pkg/tier"
)

var (
	// ErrEntryBusy means another migration holds the entry. Callers skip
	// busy entries rather than waiting; the other mover finishes the job.
	ErrEntryBusy = errors.New("migrate: entry busy")

	// ErrSameTier means the entry already lives on the destination tier.
	ErrSameTier = errors.New("migrate: entry already on destination tier")

	// ErrMixedTiers means the file's entries span tiers. Rotation refuses
	// such files; a downward migration has to homogenize them first.
	ErrMixedTiers = errors.New("migrate: file spans tiers")

	// ErrCorruptEntry means the entry failed its checksum and cannot be
	// trusted as a copy source.
	ErrCorruptEntry = errors.New("migrate: entry checksum mismatch")

	// ErrRangeContended means the physical source or destination range is
	// locked by another copy.
	ErrRangeContended = errors.New("migrate: block range contended")
)

// Metrics receives migration observations. A nil Metrics disables
// instrumentation.
type Metrics interface {
	ObserveMigration(from, to tier.Tier, pages uint64, elapsed time.Duration)
	IncBusySkip()
	IncSplit()
	IncGroup()
	IncFailure()
}
