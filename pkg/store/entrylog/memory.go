package entrylog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLog is an in-process Log for tests and volatile mounts. Contents are
// lost on close.
type MemoryLog struct {
	mu     sync.RWMutex
	byIno  map[uint64]map[uint64]Record // ino -> pgoff -> record
	closed bool
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byIno: make(map[uint64]map[uint64]Record)}
}

func (l *MemoryLog) Append(ctx context.Context, recs ...Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	for _, r := range recs {
		m := l.byIno[r.Ino]
		if m == nil {
			m = make(map[uint64]Record)
			l.byIno[r.Ino] = m
		}
		m[r.Pgoff] = r
	}
	return nil
}

func (l *MemoryLog) Commit(ctx context.Context, ino uint64, add []Record, drop []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	m := l.byIno[ino]
	if m == nil {
		m = make(map[uint64]Record)
		l.byIno[ino] = m
	}
	for _, pgoff := range drop {
		delete(m, pgoff)
	}
	for _, r := range add {
		m[r.Pgoff] = r
	}
	if len(m) == 0 {
		delete(l.byIno, ino)
	}
	return nil
}

func (l *MemoryLog) Entries(ctx context.Context, ino uint64) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	m := l.byIno[ino]
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pgoff < out[j].Pgoff })
	return out, nil
}

func (l *MemoryLog) Compact(ctx context.Context, ino uint64, live []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if len(live) == 0 {
		delete(l.byIno, ino)
		return nil
	}
	m := make(map[uint64]Record, len(live))
	for _, r := range live {
		m[r.Pgoff] = r
	}
	l.byIno[ino] = m
	return nil
}

func (l *MemoryLog) Scan(ctx context.Context, yield func(Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	for ino, m := range l.byIno {
		for _, r := range m {
			if !r.ChecksumOK() {
				return fmt.Errorf("%w: inode %d pgoff %d", ErrCorruptRecord, ino, r.Pgoff)
			}
			if err := yield(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.byIno = nil
	return nil
}
