// Package ingest runs an upload through validation, deduplication, the
// abuse gate, the capacity gate, transcoding and persistence, in that order.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/backend"
	"github.com/wolfeidau/img2url/dedup"
	"github.com/wolfeidau/img2url/expiry"
	"github.com/wolfeidau/img2url/stats"
	"github.com/wolfeidau/img2url/telemetry"
	"github.com/wolfeidau/img2url/transcode"
)

var (
	// ErrInvalidType is returned when the declared content type is not an image.
	ErrInvalidType = errors.New("only image files are allowed")
	// ErrTooLarge is returned when the upload exceeds the size limit.
	ErrTooLarge = errors.New("file size exceeds limit")
	// ErrStorageFull is returned when the content store is close to capacity.
	ErrStorageFull = errors.New("storage is nearly full")
	// ErrUploadFailed wraps persistence failures.
	ErrUploadFailed = errors.New("upload failed")
)

// TimestampLayout is the layout of timestamps in upload results.
const TimestampLayout = "2006-01-02 15:04:05"

// Config holds the pipeline limits.
type Config struct {
	MaxFileSize int64
	// StorageLimit and FullRatio define the capacity gate: uploads are
	// refused once the tracked total reaches FullRatio of StorageLimit.
	StorageLimit int64
	FullRatio    float64
	// BaseURL prefixes returned image URLs. When empty the request's
	// BaseURL is used.
	BaseURL         string
	MaxCodeAttempts int
	// DisplayZone is the zone timestamps in results are rendered in.
	DisplayZone *time.Location
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:     10 << 20,
		StorageLimit:    10 << 30,
		FullRatio:       0.95,
		MaxCodeAttempts: 5,
		DisplayZone:     time.FixedZone("UTC+8", 8*60*60),
	}
}

// Usage is the incremental storage total the pipeline reads for the
// capacity gate and updates after each new object.
type Usage interface {
	Totals(ctx context.Context) (*stats.Totals, error)
	Add(ctx context.Context, sizeDelta, countDelta int64) error
}

// Request is one upload.
type Request struct {
	Data         []byte
	DeclaredType string
	// Size is the client-declared file size.
	Size         int64
	ExpiryDays   int
	CaptchaToken string
	ClientIP     string
	UserAgent    string
	// BaseURL is used for the image URL when Config.BaseURL is empty.
	BaseURL string
}

// Result is returned for an accepted upload, new or duplicate.
type Result struct {
	URL               string `json:"url"`
	FileName          string `json:"fileName"`
	Code              string `json:"code"`
	Size              int64  `json:"size"`
	Type              string `json:"type"`
	OriginalType      string `json:"originalType,omitempty"`
	Timestamp         string `json:"timestamp"`
	OriginalTimestamp string `json:"originalTimestamp,omitempty"`
	// Expiration is unix milliseconds, null for permanent objects.
	Expiration       *int64 `json:"expiration"`
	ExpirationDays   *int   `json:"expirationDays"`
	Duplicate        bool   `json:"duplicate"`
	UploadCount      int64  `json:"uploadCount"`
	RemainingUploads *int64 `json:"remainingUploads,omitempty"`
	CaptchaRequired  *bool  `json:"captchaRequired,omitempty"`
}

// Pipeline wires the components an upload passes through.
type Pipeline struct {
	cfg        Config
	backend    backend.Backend
	metadata   *expiry.MetadataStore
	index      *dedup.Index
	gate       *abuse.Gate
	usage      Usage
	transcoder *transcode.Transcoder
	newCode    func() (string, error)
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithCodeGenerator replaces the short code generator.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(p *Pipeline) {
		p.newCode = fn
	}
}

// New creates a Pipeline.
func New(
	cfg Config,
	b backend.Backend,
	meta *expiry.MetadataStore,
	index *dedup.Index,
	gate *abuse.Gate,
	usage Usage,
	tc *transcode.Transcoder,
	opts ...Option,
) *Pipeline {
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 1
	}
	if cfg.DisplayZone == nil {
		cfg.DisplayZone = time.UTC
	}
	p := &Pipeline{
		cfg:        cfg,
		backend:    b,
		metadata:   meta,
		index:      index,
		gate:       gate,
		usage:      usage,
		transcoder: tc,
		newCode:    img2url.NewCode,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "ingest")
	return p
}

// Ingest runs one upload. Steps never reorder: validation, dedup lookup,
// abuse gate, capacity gate, transcode, persistence, accounting.
// A duplicate upload returns the existing object and leaves quota, rate
// and captcha state untouched.
func (p *Pipeline) Ingest(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest.upload",
		telemetry.AttrClientIP.String(req.ClientIP),
		telemetry.AttrObjectSize.Int64(req.Size),
		telemetry.AttrContentType.String(req.DeclaredType),
	)
	defer span.End()

	if err := p.validate(req); err != nil {
		return nil, err
	}

	h := img2url.HashBytes(req.Data)
	log := p.logger.With("ip", req.ClientIP, "hash", h.ShortString())

	if res, ok := p.duplicate(ctx, log, h, req); ok {
		span.SetAttributes(telemetry.AttrDuplicate.Bool(true), telemetry.AttrCode.String(res.Code))
		telemetry.RecordUpload(ctx, telemetry.ResultDuplicate, 0)
		return res, nil
	}

	decision, err := p.gate.Evaluate(ctx, req.ClientIP, req.CaptchaToken)
	if err != nil {
		return nil, err
	}

	if err := p.checkCapacity(ctx, log); err != nil {
		return nil, err
	}

	start := p.now()
	tc := p.transcoder.Transcode(req.Data, req.Size)
	outcome := "transcoded"
	if !tc.Transcoded {
		outcome = "fallback"
	}
	telemetry.RecordTranscode(ctx, outcome, p.now().Sub(start))

	code, err := p.allocateCode(ctx)
	if err != nil {
		return nil, err
	}
	key := img2url.ObjectKey(code)
	url := p.url(req, key)
	now := p.now()

	if err := p.backend.Put(ctx, key, bytes.NewReader(tc.Data), tc.ContentType); err != nil {
		return nil, fmt.Errorf("%w: storing object: %w", ErrUploadFailed, err)
	}

	days := max(req.ExpiryDays, 0)
	meta := expiry.NewMetadata(now, days, int64(len(tc.Data)), req.ClientIP, req.UserAgent, tc.OriginalType)
	if err := p.metadata.Put(ctx, key, meta); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	if _, err := p.index.Put(ctx, h, url, code); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	count, err := p.gate.RecordUpload(ctx, decision)
	if err != nil {
		log.Warn("quota update failed", "error", err)
	}
	if err := p.usage.Add(ctx, int64(len(tc.Data)), 1); err != nil {
		log.Warn("stats update failed", "error", err)
	}

	span.SetAttributes(telemetry.AttrCode.String(code), telemetry.AttrDuplicate.Bool(false))
	telemetry.RecordUpload(ctx, telemetry.ResultStored, int64(len(tc.Data)))
	log.Info("image stored",
		"code", code,
		"size", len(tc.Data),
		"original_size", req.Size,
		"type", tc.ContentType,
		"transcoded", tc.Transcoded,
		"expiry_days", days,
		"daily_count", count)

	gateCfg := p.gate.Config()
	remaining := gateCfg.Remaining(count)
	captcha := gateCfg.RequiresCaptcha(count)

	res := &Result{
		URL:              url,
		FileName:         key,
		Code:             code,
		Size:             int64(len(tc.Data)),
		Type:             tc.ContentType,
		OriginalType:     tc.OriginalType,
		Timestamp:        p.formatTime(now),
		Expiration:       meta.ExpiryTime,
		Duplicate:        false,
		UploadCount:      1,
		RemainingUploads: &remaining,
		CaptchaRequired:  &captcha,
	}
	if days > 0 {
		res.ExpirationDays = &days
	}
	return res, nil
}

func (p *Pipeline) validate(req *Request) error {
	if !strings.HasPrefix(req.DeclaredType, "image/") {
		return ErrInvalidType
	}
	if req.Size > p.cfg.MaxFileSize || int64(len(req.Data)) > p.cfg.MaxFileSize {
		return ErrTooLarge
	}
	return nil
}

// duplicate serves a dedup hit. Records whose object has gone are dropped
// and the upload falls through to a fresh ingestion. Lookup failures are
// treated as a miss.
func (p *Pipeline) duplicate(ctx context.Context, log *slog.Logger, h img2url.Hash, req *Request) (*Result, bool) {
	rec, ok, err := p.index.Lookup(ctx, h)
	if err != nil {
		log.Warn("dedup lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	exists, err := p.backend.Exists(ctx, img2url.ObjectKey(rec.Code))
	if err != nil {
		log.Warn("dedup object check failed", "code", rec.Code, "error", err)
		return nil, false
	}
	if !exists {
		log.Info("dropping dangling dedup record", "code", rec.Code)
		if err := p.index.Forget(ctx, h); err != nil {
			log.Warn("dropping dedup record failed", "error", err)
		}
		return nil, false
	}

	updated, err := p.index.Touch(ctx, h, rec)
	if err != nil {
		log.Warn("dedup refresh failed", "error", err)
		updated = rec
		updated.UploadCount++
		updated.LastUploadTime = p.now().UTC()
	}

	log.Info("duplicate upload", "code", rec.Code, "upload_count", updated.UploadCount)

	return &Result{
		URL:               updated.URL,
		FileName:          updated.FileName,
		Code:              updated.Code,
		Size:              req.Size,
		Type:              req.DeclaredType,
		Timestamp:         p.formatTime(updated.LastUploadTime),
		OriginalTimestamp: p.formatTime(updated.Timestamp),
		Duplicate:         true,
		UploadCount:       updated.UploadCount,
	}, true
}

// checkCapacity refuses uploads once the tracked total reaches the full
// ratio. A failed read of the total counts as empty.
func (p *Pipeline) checkCapacity(ctx context.Context, log *slog.Logger) error {
	if p.cfg.StorageLimit <= 0 {
		return nil
	}
	totals, err := p.usage.Totals(ctx)
	if err != nil {
		log.Warn("reading storage totals failed", "error", err)
		return nil
	}
	if float64(totals.TotalSize) >= float64(p.cfg.StorageLimit)*p.cfg.FullRatio {
		log.Warn("upload rejected: storage full", "total_size", totals.TotalSize, "limit", p.cfg.StorageLimit)
		return ErrStorageFull
	}
	return nil
}

// allocateCode draws short codes until one is free in the content store.
func (p *Pipeline) allocateCode(ctx context.Context) (string, error) {
	for range p.cfg.MaxCodeAttempts {
		code, err := p.newCode()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
		exists, err := p.backend.Exists(ctx, img2url.ObjectKey(code))
		if err != nil {
			return "", fmt.Errorf("%w: checking code: %w", ErrUploadFailed, err)
		}
		if !exists {
			return code, nil
		}
		p.logger.Debug("short code collision", "code", code)
	}
	return "", fmt.Errorf("%w: no free short code after %d attempts", ErrUploadFailed, p.cfg.MaxCodeAttempts)
}

func (p *Pipeline) url(req *Request, key string) string {
	base := p.cfg.BaseURL
	if base == "" {
		base = req.BaseURL
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}

func (p *Pipeline) formatTime(t time.Time) string {
	return t.In(p.cfg.DisplayZone).Format(TimestampLayout)
}
