// Package stats keeps the approximate usage figures: an incrementally
// maintained total of stored objects, a per-day read counter, and a cached
// report that blends the incremental total with a bounded listing.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/img2url/backend"
	"github.com/wolfeidau/img2url/store/kv"
	"github.com/wolfeidau/img2url/telemetry"
)

const (
	// GlobalKey holds the incremental totals.
	GlobalKey = "global:stats"
	// CacheKey holds the last computed report.
	CacheKey = "stats:cache"
)

// Config holds the limits and TTLs used by the Aggregator.
type Config struct {
	StorageLimit int64
	ReadLimit    int64
	// CacheTTL is how long a computed report is served before recomputing.
	CacheTTL time.Duration
	PageSize int
	// MaxPages bounds the listing done by GetStats.
	MaxPages int
	// ReconcilePages bounds the listing done by Reconcile.
	ReconcilePages int
	StatsTTL       time.Duration
	ReadCounterTTL time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		StorageLimit:   10 << 30,
		ReadLimit:      1_000_000,
		CacheTTL:       5 * time.Minute,
		PageSize:       1000,
		MaxPages:       100,
		ReconcilePages: 10_000,
		StatsTTL:       365 * 24 * time.Hour,
		ReadCounterTTL: 48 * time.Hour,
	}
}

// Totals is the incremental record under GlobalKey.
type Totals struct {
	TotalSize int64 `json:"totalSize"`
	Count     int64 `json:"count"`
	// LastUpdate is unix milliseconds.
	LastUpdate int64 `json:"lastUpdate,omitempty"`
}

// Limits are the human readable limits included in a Snapshot.
type Limits struct {
	Storage string `json:"storage"`
	Read    int64  `json:"read"`
}

// Snapshot is a computed usage report.
type Snapshot struct {
	Images             int64    `json:"images"`
	TotalSize          int64    `json:"totalSize"`
	TotalSizeFormatted string   `json:"totalSizeFormatted"`
	StorageUsage       float64  `json:"storageUsage"`
	ReadCount          int64    `json:"readCount"`
	ReadLimit          int64    `json:"readLimit"`
	ReadUsage          float64  `json:"readUsage"`
	Limits             Limits   `json:"limits"`
	Warnings           []string `json:"warnings"`
}

// Report is a Snapshot plus whether it came from the cache.
type Report struct {
	Snapshot *Snapshot
	Cached   bool
}

type cacheRecord struct {
	Data *Snapshot `json:"data"`
	// LastUpdate is unix milliseconds.
	LastUpdate int64 `json:"lastUpdate"`
}

// Aggregator computes and caches usage figures.
type Aggregator struct {
	store   kv.Store
	backend backend.Backend
	cfg     Config
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an Aggregator.
func New(store kv.Store, b backend.Backend, cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   store,
		backend: b,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "stats")
	return a
}

// Config returns the aggregator limits.
func (a *Aggregator) Config() Config {
	return a.cfg
}

// ReadCounterKey returns the read counter key for the UTC day of t.
func ReadCounterKey(t time.Time) string {
	return "stats:" + t.UTC().Format("2006-01-02")
}

// Totals returns the incremental totals. A missing record reads as zero.
func (a *Aggregator) Totals(ctx context.Context) (*Totals, error) {
	var t Totals
	if err := kv.GetJSON(ctx, a.store, GlobalKey, &t); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &Totals{}, nil
		}
		return nil, fmt.Errorf("reading totals: %w", err)
	}
	return &t, nil
}

// Add applies a size and count delta to the incremental totals and drops
// the cached report so the next GetStats recomputes.
func (a *Aggregator) Add(ctx context.Context, sizeDelta, countDelta int64) error {
	t, err := a.Totals(ctx)
	if err != nil {
		return err
	}
	t.TotalSize += sizeDelta
	t.Count += countDelta
	t.LastUpdate = a.now().UnixMilli()
	if err := kv.PutJSON(ctx, a.store, GlobalKey, t, a.cfg.StatsTTL); err != nil {
		return fmt.Errorf("writing totals: %w", err)
	}
	if err := a.store.Delete(ctx, CacheKey); err != nil {
		return fmt.Errorf("dropping stats cache: %w", err)
	}
	return nil
}

// RecordRead bumps today's read counter and returns the new value.
func (a *Aggregator) RecordRead(ctx context.Context) (int64, error) {
	n, err := kv.Increment(ctx, a.store, ReadCounterKey(a.now()), a.cfg.ReadCounterTTL)
	if err != nil {
		return 0, fmt.Errorf("recording read: %w", err)
	}
	return n, nil
}

// ReadCount returns today's read counter.
func (a *Aggregator) ReadCount(ctx context.Context) (int64, error) {
	n, err := kv.GetInt(ctx, a.store, ReadCounterKey(a.now()))
	if err != nil {
		return 0, fmt.Errorf("reading read counter: %w", err)
	}
	return n, nil
}

// GetStats returns the usage report. A cached report younger than CacheTTL
// is served as is. Otherwise the incremental totals and a bounded listing
// are combined by taking the larger of each figure, and the result is
// cached. Failures of the individual reads degrade to zero and are logged.
// Concurrent recomputations are collapsed into one.
func (a *Aggregator) GetStats(ctx context.Context) (*Report, error) {
	if snap, ok := a.cached(ctx); ok {
		return &Report{Snapshot: snap, Cached: true}, nil
	}

	ch := a.group.DoChan("stats", func() (any, error) {
		return a.compute(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return &Report{Snapshot: res.Val.(*Snapshot)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) cached(ctx context.Context) (*Snapshot, bool) {
	var rec cacheRecord
	if err := kv.GetJSON(ctx, a.store, CacheKey, &rec); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.logger.Warn("reading stats cache", "error", err)
		}
		return nil, false
	}
	if rec.Data == nil {
		return nil, false
	}
	age := a.now().Sub(time.UnixMilli(rec.LastUpdate))
	if age < 0 || age >= a.cfg.CacheTTL {
		return nil, false
	}
	return rec.Data, true
}

func (a *Aggregator) compute(ctx context.Context) *Snapshot {
	ctx, span := telemetry.StartSpan(ctx, "stats.compute")
	defer span.End()

	incremental, err := a.Totals(ctx)
	if err != nil {
		a.logger.Warn("falling back to zero totals", "error", err)
		incremental = &Totals{}
	}

	listed, res, err := a.list(ctx, a.cfg.MaxPages)
	if err != nil {
		a.logger.Warn("stats listing failed", "error", err, "pages", res.Pages)
	}
	if res.Truncated {
		a.logger.Debug("stats listing truncated", "pages", res.Pages)
	}

	count := max(incremental.Count, listed.Count)
	size := max(incremental.TotalSize, listed.TotalSize)

	reads, err := a.ReadCount(ctx)
	if err != nil {
		a.logger.Warn("falling back to zero reads", "error", err)
		reads = 0
	}

	span.SetAttributes(
		attribute.Int64("stats.images", count),
		attribute.Int64("stats.total_size", size),
		attribute.Int64("stats.reads", reads),
	)

	snap := a.snapshot(count, size, reads)
	rec := cacheRecord{Data: snap, LastUpdate: a.now().UnixMilli()}
	if err := kv.PutJSON(ctx, a.store, CacheKey, &rec, a.cfg.CacheTTL); err != nil {
		a.logger.Warn("writing stats cache", "error", err)
	}
	return snap
}

func (a *Aggregator) snapshot(count, size, reads int64) *Snapshot {
	return &Snapshot{
		Images:             count,
		TotalSize:          size,
		TotalSizeFormatted: FormatSize(size),
		StorageUsage:       percent(size, a.cfg.StorageLimit),
		ReadCount:          reads,
		ReadLimit:          a.cfg.ReadLimit,
		ReadUsage:          percent(reads, a.cfg.ReadLimit),
		Limits: Limits{
			Storage: FormatSize(a.cfg.StorageLimit),
			Read:    a.cfg.ReadLimit,
		},
		Warnings: Warnings(size, a.cfg.StorageLimit, reads, a.cfg.ReadLimit),
	}
}

// Zero returns the report served when stats cannot be computed at all.
func (a *Aggregator) Zero() *Snapshot {
	return a.snapshot(0, 0, 0)
}

// Reconcile lists the whole content store, up to ReconcilePages pages, and
// overwrites the incremental totals with what it found.
func (a *Aggregator) Reconcile(ctx context.Context) (*Totals, error) {
	ctx, span := telemetry.StartSpan(ctx, "stats.reconcile")
	defer span.End()

	listed, res, err := a.list(ctx, a.cfg.ReconcilePages)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	if res.Truncated {
		a.logger.Warn("reconcile listing truncated", "pages", res.Pages)
	}

	listed.LastUpdate = a.now().UnixMilli()
	if err := kv.PutJSON(ctx, a.store, GlobalKey, listed, a.cfg.StatsTTL); err != nil {
		return nil, fmt.Errorf("writing totals: %w", err)
	}
	if err := a.store.Delete(ctx, CacheKey); err != nil {
		a.logger.Warn("dropping stats cache", "error", err)
	}

	a.logger.Info("stats reconciled", "images", listed.Count, "total_size", listed.TotalSize, "pages", res.Pages)
	return listed, nil
}

func (a *Aggregator) list(ctx context.Context, maxPages int) (*Totals, backend.WalkResult, error) {
	t := &Totals{}
	res, err := backend.Walk(ctx, a.backend, a.cfg.PageSize, maxPages, func(entries []backend.Entry) error {
		for _, e := range entries {
			t.Count++
			t.TotalSize += e.Size
		}
		return nil
	})
	return t, res, err
}

// Warnings returns the usage warnings for the given figures. Each figure
// contributes at most one warning, the higher threshold winning.
func Warnings(size, storageLimit, reads, readLimit int64) []string {
	warnings := []string{}

	switch s := percent(size, storageLimit); {
	case s >= 90:
		warnings = append(warnings, "storage usage is above 90%, clean up images soon")
	case s >= 70:
		warnings = append(warnings, "storage usage is above 70%, consider removing old images")
	}

	switch r := percent(reads, readLimit); {
	case r >= 90:
		warnings = append(warnings, "daily reads are close to the limit")
	case r >= 70:
		warnings = append(warnings, "daily reads are high")
	}

	return warnings
}

func percent(n, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(n) / float64(limit) * 100
}

// FormatSize renders a byte count with a binary unit: whole bytes, one
// decimal for KB and MB, two for GB.
func FormatSize(n int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case n < kb:
		return fmt.Sprintf("%d B", n)
	case n < mb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	case n < gb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/gb)
	}
}
