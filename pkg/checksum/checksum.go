// Package checksum computes integrity checksums over in-memory allocator and
// extent metadata.
//
// Free-range nodes and write entries carry a checksum that is verified before
// the record is trusted; a mismatch marks the record as corrupt and the scan
// moves on. The checksums guard live memory only and are never persisted.
package checksum

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Range computes the checksum of a free-range node over its bounds.
func Range(low, high uint64) uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], low)
	binary.LittleEndian.PutUint64(buf[8:16], high)
	return fold(xxhash.Sum64(buf[:]))
}

// Entry computes the checksum of a write entry over its addressing fields.
// The busy flag and hotness counters are transient and excluded.
func Entry(pgoff uint64, numPages uint32, block uint64, tierTag uint8) uint32 {
	var buf [21]byte
	binary.LittleEndian.PutUint64(buf[0:8], pgoff)
	binary.LittleEndian.PutUint32(buf[8:12], numPages)
	binary.LittleEndian.PutUint64(buf[12:20], block)
	buf[20] = tierTag
	return fold(xxhash.Sum64(buf[:]))
}

// fold reduces a 64-bit hash to the 32-bit field stored in metadata records.
func fold(sum uint64) uint32 {
	return uint32(sum) ^ uint32(sum>>32)
}
