package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/tierfs/internal/logger"
)

// ============================================================================
// Background daemon
// ============================================================================

// DaemonConfig tunes the background migration daemon.
type DaemonConfig struct {
	// Interval between watermark checks. Default: 30s.
	Interval time.Duration

	// MaxPassesPerTick bounds how many drain passes one tick runs while
	// tiers stay over their watermark. Default: 4.
	MaxPassesPerTick int
}

// Daemon periodically drains overloaded tiers, decoupling watermark
// enforcement from the write path.
type Daemon struct {
	engine   *Engine
	interval time.Duration
	maxPass  int

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewDaemon builds a daemon over the engine.
func NewDaemon(engine *Engine, cfg DaemonConfig) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxPassesPerTick <= 0 {
		cfg.MaxPassesPerTick = 4
	}
	return &Daemon{
		engine:    engine,
		interval:  cfg.Interval,
		maxPass:   cfg.MaxPassesPerTick,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the daemon loop. Calling Start twice is a no-op.
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	logger.Info("starting migration daemon", "interval", d.interval)
	go d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.stoppedCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tick(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick drains until no tier is over its watermark or the per-tick pass
// limit is reached.
func (d *Daemon) tick(ctx context.Context) {
	for pass := 0; pass < d.maxPass; pass++ {
		moved, err := d.engine.MigrateDownward(ctx)
		if err != nil {
			logger.Warn("migration pass aborted", "error", err)
			return
		}
		if moved == 0 {
			return
		}
	}
}

// Stop shuts the daemon down, waiting up to timeout for the current pass.
func (d *Daemon) Stop(timeout time.Duration) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.stopCh)
	select {
	case <-d.stoppedCh:
		logger.Info("migration daemon stopped")
	case <-time.After(timeout):
		logger.Warn("migration daemon stop timed out")
	}
}
