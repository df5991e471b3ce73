package expiry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/backend"
	"github.com/wolfeidau/img2url/store/kv"
	"github.com/wolfeidau/img2url/telemetry"
)

var (
	// ErrNotFound is returned by Fetch when no object exists for a code.
	ErrNotFound = errors.New("image not found")
	// ErrGone is returned by Fetch when the object had expired and was removed.
	ErrGone = errors.New("image has expired")
	// ErrRateLimited is returned by Fetch when the client exceeded the read rate.
	ErrRateLimited = errors.New("too many requests")
)

// Config holds delivery and sweep configuration.
type Config struct {
	// SweepInterval is how often the background sweep runs.
	// Default is 1 hour.
	SweepInterval time.Duration

	// PageSize is the listing page size used by the sweep.
	PageSize int

	// ReadRateLimit is the number of fetches allowed per IP per minute.
	ReadRateLimit int64
	RateTTL       time.Duration

	// ReadLimit is the daily read budget. A warning is logged once the
	// read counter reaches ReadWarnRatio of it.
	ReadLimit     int64
	ReadWarnRatio float64

	// CacheControl is sent with every delivered image.
	CacheControl string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 1 * time.Hour,
		PageSize:      1000,
		ReadRateLimit: 100,
		RateTTL:       60 * time.Second,
		ReadLimit:     1_000_000,
		ReadWarnRatio: 0.95,
		CacheControl:  "public, max-age=31536000",
	}
}

// ReadCounter counts deliveries per day.
type ReadCounter interface {
	RecordRead(ctx context.Context) (int64, error)
}

// Delivery is an object ready to be served. The caller must close Body.
type Delivery struct {
	Body         io.ReadCloser
	Code         string
	ContentType  string
	Size         int64
	ETag         string
	CacheControl string
	// Metadata is nil for objects stored without a metadata record.
	Metadata *ObjectMetadata
}

// Manager serves objects and removes them once their expiry time passes,
// either when a fetch finds them expired or during the periodic sweep.
type Manager struct {
	config   Config
	metadata *MetadataStore
	backend  backend.Backend
	reads    ReadCounter
	limiter  *abuse.Window
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReadCounter sets the daily read counter bumped on every delivery.
func WithReadCounter(rc ReadCounter) Option {
	return func(m *Manager) {
		m.reads = rc
	}
}

// NewManager creates a new expiry manager. The read rate limiter keeps its
// counters in store.
func NewManager(meta *MetadataStore, b backend.Backend, store kv.Store, cfg Config, opts ...Option) *Manager {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 1 * time.Hour
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 1000
	}

	m := &Manager{
		config:   cfg,
		metadata: meta,
		backend:  b,
		logger:   slog.Default(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "expiry")
	m.limiter = abuse.NewWindow(store, "rate", cfg.ReadRateLimit, cfg.RateTTL, func() time.Time { return m.now() })
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.config
}

// ExpireIfDue deletes the object and its metadata when the expiry time has
// passed. It reports whether the object was expired, which stays true when
// the delete itself fails; the next sweep retries it. Objects without
// metadata are left alone. Safe to call concurrently from delivery and the
// sweep: deletes are idempotent.
func (m *Manager) ExpireIfDue(ctx context.Context, code string) (bool, error) {
	key := img2url.ObjectKey(code)

	meta, err := m.metadata.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMetadataNotFound) {
			return false, nil
		}
		return false, err
	}
	if !meta.Expired(m.now()) {
		return false, nil
	}

	if err := m.backend.Delete(ctx, key); err != nil {
		return true, fmt.Errorf("deleting object: %w", err)
	}
	if err := m.metadata.Delete(ctx, key); err != nil {
		return true, err
	}

	m.logger.Debug("expired object removed", "code", code, "expiry_time", *meta.ExpiryTime)
	return true, nil
}

// Fetch returns the object for code. The read rate is checked before the
// content store is touched. Expired objects are removed and reported as
// ErrGone.
func (m *Manager) Fetch(ctx context.Context, code, clientIP string) (*Delivery, error) {
	ctx, span := telemetry.StartSpan(ctx, "expiry.fetch",
		telemetry.AttrCode.String(code),
		telemetry.AttrClientIP.String(clientIP),
	)
	defer span.End()

	ok, err := m.limiter.Allow(ctx, clientIP)
	if err != nil {
		// Counter failures do not block reads.
		m.logger.Warn("read rate check failed", "ip", clientIP, "error", err)
	} else if !ok {
		telemetry.RecordDelivery(ctx, telemetry.ResultRejected, 0)
		return nil, ErrRateLimited
	}

	key := img2url.ObjectKey(code)
	obj, err := m.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			telemetry.RecordDelivery(ctx, telemetry.ResultMissing, 0)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}

	expired, err := m.ExpireIfDue(ctx, code)
	if err != nil {
		m.logger.Warn("expiry cleanup failed", "code", code, "expired", expired, "error", err)
	}
	if expired {
		_ = obj.Body.Close()
		telemetry.RecordExpired(ctx, "access", 1)
		telemetry.RecordDelivery(ctx, telemetry.ResultGone, 0)
		return nil, ErrGone
	}

	meta, err := m.metadata.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrMetadataNotFound) {
		m.logger.Debug("metadata unavailable", "code", code, "error", err)
	}

	m.countRead(ctx)
	telemetry.RecordDelivery(ctx, telemetry.ResultServed, obj.Size)

	return &Delivery{
		Body:         obj.Body,
		Code:         code,
		ContentType:  obj.ContentType,
		Size:         obj.Size,
		ETag:         etag(code, obj),
		CacheControl: m.config.CacheControl,
		Metadata:     meta,
	}, nil
}

func (m *Manager) countRead(ctx context.Context) {
	if m.reads == nil {
		return
	}
	n, err := m.reads.RecordRead(ctx)
	if err != nil {
		m.logger.Warn("recording read failed", "error", err)
		return
	}
	if m.config.ReadLimit > 0 && float64(n) >= float64(m.config.ReadLimit)*m.config.ReadWarnRatio {
		m.logger.Warn("daily read count close to limit", "reads", n, "limit", m.config.ReadLimit)
	}
}

// etag is derived from the code, store time and size, which change
// whenever the object bytes do.
func etag(code string, obj *backend.Object) string {
	return `"` + code + "-" + strconv.FormatInt(obj.StoredAt.UnixMilli(), 36) + "-" + strconv.FormatInt(obj.Size, 36) + `"`
}

// Start begins background sweeps.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// ExpireResult contains the results of a sweep.
type ExpireResult struct {
	Scanned    int
	Expired    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
	// Err is set when the listing itself failed; the sweep may be partial.
	Err error
}

// RunOnce performs a single sweep.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx)
}

// runOnce walks the content store a page at a time and expires what is
// due. Per-object failures are logged and counted, never fatal.
func (m *Manager) runOnce(ctx context.Context) *ExpireResult {
	start := m.now()
	result := &ExpireResult{}

	ctx, span := telemetry.StartSpan(ctx, "expiry.sweep")
	defer span.End()

	m.logger.Debug("starting sweep")

	_, err := backend.Walk(ctx, m.backend, m.config.PageSize, 0, func(entries []backend.Entry) error {
		for _, e := range entries {
			code, ok := img2url.CodeFromKey(e.Key)
			if !ok {
				continue
			}
			result.Scanned++

			expired, err := m.ExpireIfDue(ctx, code)
			if err != nil {
				m.logger.Warn("failed to expire object", "code", code, "error", err)
				result.Errors++
				continue
			}
			if expired {
				result.Expired++
				result.BytesFreed += e.Size
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("sweep listing failed", "error", err)
		result.Errors++
		result.Err = err
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordReaperCycle(ctx, "sweep", result.Expired, result.Duration)
	telemetry.RecordExpired(ctx, "sweep", result.Expired)

	if result.Expired > 0 {
		m.logger.Info("sweep complete",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to expire", "scanned", result.Scanned)
	}

	return result
}
