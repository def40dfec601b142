package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweepExpired physically deletes memories whose expiry has passed.
// Expired memories are already invisible to reads; this reclaims space.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`,
		s.now().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Sweeper periodically removes expired memories.
type Sweeper struct {
	store    MemoryStore
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(n int)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper. onSweep, if non-nil, receives each count.
func NewSweeper(store MemoryStore, interval time.Duration, logger *slog.Logger, onSweep func(n int)) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger, onSweep: onSweep}
}

// Interval returns the time between sweeps.
func (w *Sweeper) Interval() time.Duration { return w.interval }

// Start launches the background loop. Calling Start twice is a no-op.
func (w *Sweeper) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)
	w.logger.Info("memory sweeper started", "interval", w.interval)
}

// Stop halts the loop and waits for it to exit.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
	w.logger.Info("memory sweeper stopped")
}

func (w *Sweeper) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (w *Sweeper) RunOnce(ctx context.Context) int {
	n, err := w.store.SweepExpired(ctx)
	if err != nil {
		w.logger.Error("memory sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		w.logger.Info("swept expired memories", "count", n)
	}
	if w.onSweep != nil {
		w.onSweep(n)
	}
	return n
}
