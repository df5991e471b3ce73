// Command img2url is an image host: upload, deduplicate, transcode, serve
// and expire images.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/captcha"
	"github.com/wolfeidau/img2url/server"
	"github.com/wolfeidau/img2url/store/kv"
	"github.com/wolfeidau/img2url/telemetry"
	"github.com/wolfeidau/img2url/transcode"
)

var version = "dev"

// CLI is the command line.
type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" default:"withargs" help:"Run the HTTP server with the background expiry sweep."`
	Sweep     SweepCmd     `cmd:"" help:"Run one expiry sweep and exit."`
	SyncStats SyncStatsCmd `cmd:"" name:"sync-stats" help:"Rebuild the storage totals from a full listing and exit."`
	Reap      ReapCmd      `cmd:"" help:"Remove expired keys from the bolt state store and exit."`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("img2url"),
		kong.Description("Image hosting with deduplication, quotas and expiry."),
		kong.UsageOnError(),
		kong.Vars{"version": version, "turnstile_url": captcha.DefaultVerifyURL},
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address        string        `help:"Address to listen on." default:":8080" env:"IMG2URL_ADDRESS"`
	BaseURL        string        `help:"Public base URL for image links. Derived from the request when empty." env:"IMG2URL_BASE_URL"`
	AdminToken     string        `help:"Bearer token for /sync-stats and /cleanup." env:"IMG2URL_ADMIN_TOKEN"`
	MaxFileSize    int64         `help:"Maximum upload size in bytes." default:"10485760" env:"IMG2URL_MAX_FILE_SIZE"`
	DisplayOffset  time.Duration `help:"UTC offset timestamps in upload responses are rendered in." default:"8h" env:"IMG2URL_DISPLAY_OFFSET"`
	ReadRateLimit  int64         `help:"Image fetches allowed per IP per minute." default:"100" env:"IMG2URL_READ_RATE_LIMIT"`
	SweepInterval  time.Duration `help:"How often the expiry sweep runs." default:"1h" env:"IMG2URL_SWEEP_INTERVAL"`
	NoSweep        bool          `help:"Disable the background expiry sweep (use an external scheduler)." env:"IMG2URL_NO_SWEEP"`
	ReapInterval   time.Duration `help:"How often expired bolt state keys are removed." default:"1m" env:"IMG2URL_REAP_INTERVAL"`
	Fallback       string        `help:"Content type recorded when transcoding fails." enum:"canonical,sniffed" default:"canonical" env:"IMG2URL_TRANSCODE_FALLBACK"`
	MaxPixels      int64         `help:"Largest width times height that is transcoded; bigger images are stored as uploaded." default:"25000000" env:"IMG2URL_MAX_PIXELS"`
	TurnstileURL   string        `help:"Turnstile siteverify endpoint." default:"${turnstile_url}" env:"IMG2URL_TURNSTILE_URL"`
	OTLPEndpoint   string        `help:"OTLP gRPC endpoint for metrics and traces." env:"IMG2URL_OTLP_ENDPOINT"`
	OTLPInsecure   bool          `help:"Disable TLS for the OTLP endpoint." env:"IMG2URL_OTLP_INSECURE"`
	TraceSample    float64       `help:"Fraction of traces kept." default:"1.0" env:"IMG2URL_TRACE_SAMPLE"`
	NoPrometheus   bool          `help:"Disable the Prometheus /metrics endpoint." env:"IMG2URL_NO_PROMETHEUS"`
	TurnstileLimit float64       `help:"Maximum siteverify calls per second." default:"20" env:"IMG2URL_TURNSTILE_RATE"`
}

// Run starts the server and blocks until it is signalled to stop.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "img2url",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: !c.NoPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer shutdownMetrics(context.Background()) //nolint:errcheck

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracingConfig{
		OTLPEndpoint:   c.OTLPEndpoint,
		Insecure:       c.OTLPInsecure,
		SampleRate:     c.TraceSample,
		ServiceName:    "img2url",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}
	defer shutdownTracer(context.Background()) //nolint:errcheck

	var verifier abuse.Verifier
	if secret := a.secret(a.creds.TurnstileSecret, g.TurnstileSecret); secret != "" {
		client, err := captcha.New(secret,
			captcha.WithVerifyURL(c.TurnstileURL),
			captcha.WithRateLimit(c.TurnstileLimit, int(c.TurnstileLimit*2)),
		)
		if err != nil {
			return fmt.Errorf("creating captcha client: %w", err)
		}
		verifier = client
	} else {
		a.logger.Warn("no turnstile secret configured, tokens will be rejected")
	}

	opts := componentOptions{
		baseURL:       c.BaseURL,
		maxFileSize:   c.MaxFileSize,
		displayZone:   displayZone(c.DisplayOffset),
		readRateLimit: c.ReadRateLimit,
		sweepInterval: c.SweepInterval,
		fallback:      transcode.FallbackLabel(c.Fallback),
		maxPixels:     c.MaxPixels,
		verifier:      verifier,
	}
	comp := a.components(opts)

	if a.bolt != nil {
		reaper := kv.NewReaper(a.bolt,
			kv.WithReaperInterval(c.ReapInterval),
			kv.WithReaperLogger(a.logger.With("component", "reaper")),
		)
		go reaper.Run(ctx)
	}

	srv, err := server.New(server.Config{
		Address:        c.Address,
		AdminToken:     a.secret(a.creds.AdminToken, c.AdminToken),
		MaxUploadBytes: c.MaxFileSize + 1<<20,
		Sweep:          !c.NoSweep,
		Logger:         a.logger,
	}, comp.pipeline, comp.expiry, comp.stats)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("server started",
		"address", srv.Address(),
		"version", version,
		"backend", g.Backend,
		"state", g.State,
		"sweep", !c.NoSweep,
	)

	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SweepCmd runs one expiry sweep.
type SweepCmd struct {
	PageSize int `help:"Listing page size." default:"1000" env:"IMG2URL_SWEEP_PAGE_SIZE"`
}

// Run performs the sweep and prints its result.
func (c *SweepCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	comp := a.components(componentOptions{sweepPageSize: c.PageSize})
	res := comp.expiry.RunOnce(ctx)
	if err := printJSON(map[string]any{
		"scanned":    res.Scanned,
		"expired":    res.Expired,
		"bytesFreed": res.BytesFreed,
		"errors":     res.Errors,
		"duration":   res.Duration.String(),
	}); err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("sweep incomplete: %w", res.Err)
	}
	return nil
}

// SyncStatsCmd reconciles the storage totals.
type SyncStatsCmd struct{}

// Run reconciles and prints the synced totals.
func (c *SyncStatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	totals, err := a.components(componentOptions{}).stats.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("syncing stats: %w", err)
	}
	return printJSON(totals)
}

// ReapCmd drains expired keys from the bolt state store.
type ReapCmd struct {
	BatchSize int `help:"Keys removed per transaction." default:"1000"`
}

// Run reaps until no expired keys remain.
func (c *ReapCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.bolt == nil {
		return errors.New("reap only applies to the bolt state store")
	}

	reaper := kv.NewReaper(a.bolt,
		kv.WithReaperBatchSize(c.BatchSize),
		kv.WithReaperLogger(a.logger.With("component", "reaper")),
	)
	total := drain(func() int { return reaper.ReapNow(ctx) }, c.BatchSize)
	return printJSON(map[string]int{"deleted": total})
}

// Validate rejects batch sizes that would never fill a batch.
func (c *ReapCmd) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	return nil
}

// drain calls reap until a batch comes back short or empty and returns the
// total removed.
func drain(reap func() int, batchSize int) int {
	total := 0
	for {
		n := reap()
		total += n
		if n == 0 || n < batchSize {
			return total
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayZone(offset time.Duration) *time.Location {
	hours := offset.Hours()
	name := fmt.Sprintf("UTC%+g", hours)
	if offset == 0 {
		name = "UTC"
	}
	return time.FixedZone(name, int(offset.Seconds()))
}

// newLogger builds the process logger. Text output is colourised with tint.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.DateTime})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
