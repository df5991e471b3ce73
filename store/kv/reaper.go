package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/img2url/telemetry"
)

// Reaper periodically removes expired keys from a Bolt store.
// Redis expires keys on its own and needs no reaper.
type Reaper struct {
	store     *Bolt
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum keys to remove per cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for the store.
// Defaults: interval=1m, batchSize=1000.
func NewReaper(store *Bolt, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  time.Minute,
		batchSize: 1000,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("state reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("state reaper stopped")
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately and returns how many keys
// were removed.
func (r *Reaper) ReapNow(ctx context.Context) int {
	start := time.Now()
	deleted, err := r.store.DeleteExpired(ctx, r.store.now(), r.batchSize)
	telemetry.RecordReaperCycle(ctx, "state", deleted, time.Since(start))
	if err != nil {
		r.logger.Error("failed to delete expired keys", "error", err)
		return 0
	}
	if deleted > 0 {
		r.logger.Info("expired keys reaped", "deleted", deleted)
	}
	return deleted
}
