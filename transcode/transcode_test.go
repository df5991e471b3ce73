package transcode

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"encoding/binary"
	"hash/crc32"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			// Half transparent so flattening has something to do.
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 128})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

const svgFixture = `<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><rect width="10" height="10"/></svg>`

func TestQualityTiers(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tests := []struct {
		size int64
		want int
	}{
		{0, 85},
		{1 * mib, 85},
		{1*mib + 1, 80},
		{2 * mib, 80},
		{2*mib + 1, 75},
		{10 * mib, 75},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tr.Quality(tt.size), "size %d", tt.size)
	}
}

func TestTranscodePNGToJPEG(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	data := pngFixture(t, 64, 32)

	res := tr.Transcode(data, int64(len(data)))
	require.True(t, res.Transcoded)
	require.Equal(t, CanonicalType, res.ContentType)
	require.Equal(t, "image/png", res.OriginalType)
	require.Equal(t, 85, res.Quality)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Width)
	require.Equal(t, 32, cfg.Height)
}

func TestTranscodeFallbackCanonicalLabel(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	data := []byte(svgFixture)

	res := tr.Transcode(data, int64(len(data)))
	require.False(t, res.Transcoded)
	require.Equal(t, data, res.Data)
	require.Equal(t, CanonicalType, res.ContentType)
	require.Equal(t, "image/svg+xml", res.OriginalType)
}

func TestTranscodeFallbackSniffedLabel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallback = LabelSniffed
	tr := New(cfg, nil)
	data := []byte(svgFixture)

	res := tr.Transcode(data, int64(len(data)))
	require.False(t, res.Transcoded)
	require.Equal(t, "image/svg+xml", res.ContentType)
}

func TestTranscodeFallbackSniffedNonImageKeepsCanonical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fallback = LabelSniffed
	tr := New(cfg, nil)

	res := tr.Transcode([]byte("definitely not an image"), 23)
	require.False(t, res.Transcoded)
	require.Equal(t, CanonicalType, res.ContentType)
}

// declareSize rewrites the IHDR chunk of a PNG so it claims w x h pixels
// while the pixel data stays tiny.
func declareSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestTranscodeRefusesHugeDimensions(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	data := declareSize(t, pngFixture(t, 4, 4), 100_000, 100_000)

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 100_000, cfg.Width)

	res := tr.Transcode(data, int64(len(data)))
	require.False(t, res.Transcoded)
	require.Equal(t, data, res.Data)
	require.Equal(t, CanonicalType, res.ContentType)
	require.Equal(t, "image/png", res.OriginalType)
}

func TestTranscodeMaxPixels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPixels = 64 * 32
	data := pngFixture(t, 64, 32)

	res := New(cfg, nil).Transcode(data, int64(len(data)))
	require.True(t, res.Transcoded, "exactly at the cap")

	cfg.MaxPixels = 64*32 - 1
	res = New(cfg, nil).Transcode(data, int64(len(data)))
	require.False(t, res.Transcoded)
	require.Equal(t, data, res.Data)
}

func TestEncodeJPEGErrTooManyPixels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPixels = 10
	_, err := New(cfg, nil).encodeJPEG(pngFixture(t, 4, 4), 85)
	require.ErrorIs(t, err, ErrTooManyPixels)
}
