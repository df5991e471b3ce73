package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/backend"
	"github.com/wolfeidau/img2url/dedup"
	"github.com/wolfeidau/img2url/expiry"
	"github.com/wolfeidau/img2url/stats"
	"github.com/wolfeidau/img2url/store/kv"
	"github.com/wolfeidau/img2url/transcode"
)

const testIP = "203.0.113.7"

type fakeVerifier struct {
	calls int
	ok    bool
}

func (f *fakeVerifier) Verify(context.Context, string, string) (*abuse.Verification, error) {
	f.calls++
	if !f.ok {
		return &abuse.Verification{ErrorCodes: []string{"invalid-input-response"}}, nil
	}
	return &abuse.Verification{Success: true}, nil
}

// failingBackend fails every Put.
type failingBackend struct {
	backend.Backend
}

func (failingBackend) Put(context.Context, string, io.Reader, string) error {
	return errors.New("bucket unavailable")
}

type fixture struct {
	store    *kv.Bolt
	fs       *backend.Filesystem
	index    *dedup.Index
	gate     *abuse.Gate
	agg      *stats.Aggregator
	meta     *expiry.MetadataStore
	verifier *fakeVerifier
	pipeline *Pipeline
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC),
		verifier: &fakeVerifier{ok: true},
	}
	clock := func() time.Time { return f.now }

	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "state.db"), kv.WithNoSync(true), kv.WithNow(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fs, err := backend.NewFilesystem(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	f.store = store
	f.fs = fs
	f.index = dedup.New(store, dedup.WithNow(clock))
	f.gate = abuse.NewGate(store, f.verifier, abuse.DefaultConfig(), abuse.WithNow(clock))
	f.agg = stats.New(store, fs, stats.DefaultConfig(), stats.WithNow(clock))
	f.meta = expiry.NewMetadataStore(store)
	f.pipeline = f.newPipeline(cfg, fs, opts...)
	return f
}

func (f *fixture) newPipeline(cfg Config, b backend.Backend, opts ...Option) *Pipeline {
	clock := func() time.Time { return f.now }
	tc := transcode.New(transcode.DefaultConfig(), nil)
	opts = append([]Option{WithNow(clock)}, opts...)
	return New(cfg, b, f.meta, f.index, f.gate, f.agg, tc, opts...)
}

func (f *fixture) setDailyCount(t *testing.T, n int64) {
	t.Helper()
	require.NoError(t, kv.PutInt(context.Background(), f.store, f.gate.QuotaKey(testIP), n, time.Hour))
}

func (f *fixture) dailyCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.gate.DailyCount(context.Background(), testIP)
	require.NoError(t, err)
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://img.example.com/"
	return cfg
}

func testPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(data []byte) *Request {
	return &Request{
		Data:         data,
		DeclaredType: "image/png",
		Size:         int64(len(data)),
		ClientIP:     testIP,
		UserAgent:    "test-agent",
	}
}

func TestIngestStoresNewImage(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	data := testPNG(t, color.RGBA{R: 255, A: 255})

	res, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)

	require.False(t, res.Duplicate)
	require.Len(t, res.Code, img2url.CodeLength)
	require.Equal(t, res.Code+".jpg", res.FileName)
	require.Equal(t, "https://img.example.com/"+res.FileName, res.URL)
	require.Equal(t, "image/jpeg", res.Type)
	require.Equal(t, "image/png", res.OriginalType)
	require.Equal(t, int64(1), res.UploadCount)
	// 09:30 UTC renders as 17:30 in UTC+8.
	require.Equal(t, "2025-05-10 17:30:00", res.Timestamp)
	require.Nil(t, res.Expiration)
	require.Nil(t, res.ExpirationDays)
	require.NotNil(t, res.RemainingUploads)
	require.Equal(t, int64(499), *res.RemainingUploads)
	require.NotNil(t, res.CaptchaRequired)
	require.False(t, *res.CaptchaRequired)

	obj, err := f.fs.Get(ctx, res.FileName)
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.Equal(t, res.Size, obj.Size)

	meta, err := f.meta.Get(ctx, res.FileName)
	require.NoError(t, err)
	require.True(t, meta.Permanent())
	require.Equal(t, testIP, meta.UploaderIP)
	require.Equal(t, "image/png", meta.OriginalType)

	rec, ok, err := f.index.Lookup(ctx, img2url.HashBytes(data))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Code, rec.Code)
	require.Equal(t, res.URL, rec.URL)

	require.Equal(t, int64(1), f.dailyCount(t))

	totals, err := f.agg.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Count)
	require.Equal(t, res.Size, totals.TotalSize)
}

func TestIngestWithExpiry(t *testing.T) {
	f := newFixture(t, testConfig())
	req := uploadRequest(testPNG(t, color.White))
	req.ExpiryDays = 7

	res, err := f.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Expiration)
	require.Equal(t, f.now.Add(7*24*time.Hour).UnixMilli(), *res.Expiration)
	require.NotNil(t, res.ExpirationDays)
	require.Equal(t, 7, *res.ExpirationDays)

	meta, err := f.meta.Get(context.Background(), res.FileName)
	require.NoError(t, err)
	require.Equal(t, 7, meta.Expiration)
	require.Equal(t, *res.Expiration, *meta.ExpiryTime)
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	data := testPNG(t, color.RGBA{G: 255, A: 255})

	first, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)

	second, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.URL, second.URL)
	require.Equal(t, first.Code, second.Code)
	require.Equal(t, int64(2), second.UploadCount)
	require.Equal(t, "2025-05-10 18:30:00", second.Timestamp)
	require.Equal(t, "2025-05-10 17:30:00", second.OriginalTimestamp)
	require.Nil(t, second.RemainingUploads)

	third, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)
	require.Equal(t, int64(3), third.UploadCount)

	// Only the first upload counts against the quota or the totals.
	require.Equal(t, int64(1), f.dailyCount(t))
	totals, err := f.agg.Totals(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Count)
}

func TestIngestDuplicateBypassesGate(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	data := testPNG(t, color.Black)

	_, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)

	f.setDailyCount(t, 500)

	res, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, int64(500), f.dailyCount(t))
	require.Zero(t, f.verifier.calls)
}

func TestIngestRejectsNonImageBeforeDedup(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	data := testPNG(t, color.White)

	_, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)

	// The same bytes declared as text are refused even though a dedup
	// record exists for them.
	req := uploadRequest(data)
	req.DeclaredType = "text/plain"
	_, err = f.pipeline.Ingest(ctx, req)
	require.ErrorIs(t, err, ErrInvalidType)

	rec, ok, err := f.index.Lookup(ctx, img2url.HashBytes(data))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), rec.UploadCount)
}

func TestIngestRejectsOversize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileSize = 64
	f := newFixture(t, cfg)
	ctx := context.Background()

	req := uploadRequest(bytes.Repeat([]byte{0x89}, 65))
	_, err := f.pipeline.Ingest(ctx, req)
	require.ErrorIs(t, err, ErrTooLarge)

	// A declared size over the limit is refused too.
	req = uploadRequest([]byte("small"))
	req.Size = 1 << 30
	_, err = f.pipeline.Ingest(ctx, req)
	require.ErrorIs(t, err, ErrTooLarge)

	page, err := f.fs.List(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Entries)
	require.Equal(t, int64(0), f.dailyCount(t))
}

func TestIngestCapacityGate(t *testing.T) {
	cfg := testConfig()
	cfg.StorageLimit = 1000
	f := newFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.agg.Add(ctx, 949, 3))
	_, err := f.pipeline.Ingest(ctx, uploadRequest(testPNG(t, color.White)))
	require.NoError(t, err)

	require.NoError(t, f.agg.Add(ctx, 1000, 0))
	_, err = f.pipeline.Ingest(ctx, uploadRequest(testPNG(t, color.Black)))
	require.ErrorIs(t, err, ErrStorageFull)
	require.Equal(t, int64(1), f.dailyCount(t))
}

func TestIngestCaptchaThresholds(t *testing.T) {
	tests := []struct {
		count   int64
		needsIt bool
	}{
		{300, true},
		{301, false},
		{349, false},
		{350, true},
		{351, false},
		{400, true},
		{450, true},
	}
	for _, tt := range tests {
		f := newFixture(t, testConfig())
		f.setDailyCount(t, tt.count)

		_, err := f.pipeline.Ingest(context.Background(), uploadRequest(testPNG(t, color.White)))
		if tt.needsIt {
			require.ErrorIs(t, err, abuse.ErrCaptchaRequired, "count %d", tt.count)
			require.Equal(t, tt.count, f.dailyCount(t))
		} else {
			require.NoError(t, err, "count %d", tt.count)
			require.Equal(t, tt.count+1, f.dailyCount(t))
		}
	}
}

func TestIngestCaptchaTokenSingleUse(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.setDailyCount(t, 300)

	req := uploadRequest(testPNG(t, color.White))
	req.CaptchaToken = "token-1"
	res, err := f.pipeline.Ingest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(199), *res.RemainingUploads)
	require.Equal(t, int64(301), f.dailyCount(t))

	f.setDailyCount(t, 350)
	req = uploadRequest(testPNG(t, color.Black))
	req.CaptchaToken = "token-1"
	_, err = f.pipeline.Ingest(ctx, req)
	require.ErrorIs(t, err, abuse.ErrCaptchaUsed)
	require.Equal(t, 1, f.verifier.calls)
}

func TestIngestCaptchaRequiredNextFlag(t *testing.T) {
	f := newFixture(t, testConfig())
	f.setDailyCount(t, 349)

	res, err := f.pipeline.Ingest(context.Background(), uploadRequest(testPNG(t, color.White)))
	require.NoError(t, err)
	require.True(t, *res.CaptchaRequired)
	require.Equal(t, int64(150), *res.RemainingUploads)
}

func TestIngestBlockedEvenWithToken(t *testing.T) {
	f := newFixture(t, testConfig())
	f.setDailyCount(t, 500)

	req := uploadRequest(testPNG(t, color.White))
	req.CaptchaToken = "valid-token"
	_, err := f.pipeline.Ingest(context.Background(), req)
	require.ErrorIs(t, err, abuse.ErrDailyLimit)
	require.Zero(t, f.verifier.calls)
}

func TestIngestTranscodeFallbackLabel(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Not decodable, but declared as an image.
	res, err := f.pipeline.Ingest(ctx, uploadRequest([]byte("definitely not a picture")))
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", res.Type)
	require.Equal(t, int64(len("definitely not a picture")), res.Size)

	obj, err := f.fs.Get(ctx, res.FileName)
	require.NoError(t, err)
	defer func() { _ = obj.Body.Close() }()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.Equal(t, "definitely not a picture", string(data))
}

func TestIngestCodeCollision(t *testing.T) {
	codes := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	next := func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	f := newFixture(t, testConfig(), WithCodeGenerator(next))
	ctx := context.Background()
	require.NoError(t, f.fs.Put(ctx, "aaaaaaaa.jpg", bytes.NewReader([]byte("taken")), "image/jpeg"))

	res, err := f.pipeline.Ingest(ctx, uploadRequest(testPNG(t, color.White)))
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbb", res.Code)
}

func TestIngestCodeExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCodeAttempts = 3
	f := newFixture(t, cfg, WithCodeGenerator(func() (string, error) { return "aaaaaaaa", nil }))
	ctx := context.Background()
	require.NoError(t, f.fs.Put(ctx, "aaaaaaaa.jpg", bytes.NewReader([]byte("taken")), "image/jpeg"))

	_, err := f.pipeline.Ingest(ctx, uploadRequest(testPNG(t, color.White)))
	require.ErrorIs(t, err, ErrUploadFailed)
	require.Equal(t, int64(0), f.dailyCount(t))
}

func TestIngestDanglingDedupFallsThrough(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	data := testPNG(t, color.White)

	first, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)
	require.NoError(t, f.fs.Delete(ctx, first.FileName))

	second, err := f.pipeline.Ingest(ctx, uploadRequest(data))
	require.NoError(t, err)
	require.False(t, second.Duplicate)
	require.NotEqual(t, first.Code, second.Code)

	rec, ok, err := f.index.Lookup(ctx, img2url.HashBytes(data))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.Code, rec.Code)
	require.Equal(t, int64(2), f.dailyCount(t))
}

func TestIngestPersistenceFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	p := f.newPipeline(testConfig(), failingBackend{Backend: f.fs})

	_, err := p.Ingest(context.Background(), uploadRequest(testPNG(t, color.White)))
	require.ErrorIs(t, err, ErrUploadFailed)
	require.Equal(t, int64(0), f.dailyCount(t))
}

func TestIngestRequestBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)

	req := uploadRequest(testPNG(t, color.White))
	req.BaseURL = "http://localhost:8080"
	res, err := f.pipeline.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/"+res.FileName, res.URL)
}
