// Package transcode normalises uploaded images to JPEG.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // register the WebP decoder
)

// ErrTooManyPixels is returned when an image declares more pixels than
// Config.MaxPixels allows.
var ErrTooManyPixels = errors.New("image dimensions too large")

// CanonicalType is the content type of every successfully transcoded object.
const CanonicalType = "image/jpeg"

const (
	mib = 1024 * 1024

	// DefaultMaxPixels is 25 megapixels, about 100 MiB per decoded RGBA copy.
	DefaultMaxPixels = 25_000_000
)

// FallbackLabel selects the content type recorded when transcoding fails
// and the original bytes are stored instead.
type FallbackLabel string

const (
	// LabelCanonical keeps CanonicalType even though the bytes are not JPEG.
	LabelCanonical FallbackLabel = "canonical"
	// LabelSniffed records the type detected from the original bytes.
	LabelSniffed FallbackLabel = "sniffed"
)

// Config holds the quality tiers.
type Config struct {
	// Sizes strictly above LargeThreshold use LowQuality, above
	// MediumThreshold use MidQuality, everything else HighQuality.
	LargeThreshold  int64
	MediumThreshold int64
	LowQuality      int
	MidQuality      int
	HighQuality     int

	// MaxPixels caps the declared width times height of an input. Larger
	// images are stored as they are without being decoded.
	MaxPixels int64

	Fallback FallbackLabel
}

// DefaultConfig returns the default tiers.
func DefaultConfig() Config {
	return Config{
		LargeThreshold:  2 * mib,
		MediumThreshold: 1 * mib,
		LowQuality:      75,
		MidQuality:      80,
		HighQuality:     85,
		MaxPixels:       DefaultMaxPixels,
		Fallback:        LabelCanonical,
	}
}

// Result is the output of Transcode.
type Result struct {
	Data        []byte
	ContentType string
	// Transcoded is false when Data is the untouched input.
	Transcoded bool
	// OriginalType is the type sniffed from the input bytes.
	OriginalType string
	Quality      int
}

// Transcoder re-encodes images.
type Transcoder struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Transcoder. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Fallback == "" {
		cfg.Fallback = LabelCanonical
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	return &Transcoder{cfg: cfg, logger: logger.With("component", "transcode")}
}

// Quality returns the JPEG quality for an input of originalSize bytes.
func (t *Transcoder) Quality(originalSize int64) int {
	switch {
	case originalSize > t.cfg.LargeThreshold:
		return t.cfg.LowQuality
	case originalSize > t.cfg.MediumThreshold:
		return t.cfg.MidQuality
	default:
		return t.cfg.HighQuality
	}
}

// Transcode decodes data and re-encodes it as JPEG. It never fails: on any
// decode or encode error the original bytes come back with Transcoded false.
func (t *Transcoder) Transcode(data []byte, originalSize int64) *Result {
	sniffed := mimetype.Detect(data).String()
	quality := t.Quality(originalSize)

	out, err := t.encodeJPEG(data, quality)
	if err != nil {
		label := t.fallbackType(sniffed)
		t.logger.Warn("transcode failed, storing original bytes",
			"error", err,
			"sniffed", sniffed,
			"label", label,
			"size", len(data))
		return &Result{
			Data:         data,
			ContentType:  label,
			OriginalType: sniffed,
			Quality:      quality,
		}
	}

	t.logger.Debug("image transcoded",
		"from", sniffed,
		"in", len(data),
		"out", len(out),
		"quality", quality)

	return &Result{
		Data:         out,
		ContentType:  CanonicalType,
		Transcoded:   true,
		OriginalType: sniffed,
		Quality:      quality,
	}
}

func (t *Transcoder) fallbackType(sniffed string) string {
	if t.cfg.Fallback == LabelSniffed && strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return CanonicalType
}

// encodeJPEG decodes any registered format, flattens transparency onto
// white, and encodes JPEG at quality. The header is read first so oversized
// dimensions are refused before any pixel buffer is allocated.
func (t *Transcoder) encodeJPEG(data []byte, quality int) ([]byte, error) {
	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading image header: %w", err)
	}
	if px := int64(hdr.Width) * int64(hdr.Height); px > t.cfg.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, hdr.Width, hdr.Height)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("decoding image: empty bounds")
	}
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
