package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/backend"
	"github.com/wolfeidau/img2url/credentials"
	"github.com/wolfeidau/img2url/dedup"
	"github.com/wolfeidau/img2url/expiry"
	"github.com/wolfeidau/img2url/ingest"
	"github.com/wolfeidau/img2url/stats"
	"github.com/wolfeidau/img2url/store/kv"
	"github.com/wolfeidau/img2url/transcode"
)

// Globals are the flags shared by every command: logging, secrets and the
// two stores.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"IMG2URL_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"IMG2URL_LOG_FORMAT"`

	Credentials   string `help:"Credentials template file (JSON with env, file and op functions)." type:"existingfile" env:"IMG2URL_CREDENTIALS"`
	CredentialsOp bool   `help:"Enable the op template function backed by the 1Password CLI." env:"IMG2URL_CREDENTIALS_OP"`

	TurnstileSecret string `help:"Turnstile secret key. Overridden by the credentials file." env:"IMG2URL_TURNSTILE_SECRET"`

	Backend     string `help:"Content store (fs, s3)." enum:"fs,s3" default:"fs" env:"IMG2URL_BACKEND"`
	StoragePath string `help:"Root directory of the fs content store." default:"./data/images" env:"IMG2URL_STORAGE_PATH"`
	S3Bucket    string `help:"Bucket of the s3 content store." env:"IMG2URL_S3_BUCKET"`
	S3Region    string `help:"Region of the s3 content store." default:"auto" env:"IMG2URL_S3_REGION"`
	S3Endpoint  string `help:"Endpoint of an S3-compatible service (R2, MinIO)." env:"IMG2URL_S3_ENDPOINT"`
	S3PathStyle bool   `help:"Use path-style bucket addressing." env:"IMG2URL_S3_PATH_STYLE"`

	State       string `help:"State store (bolt, redis)." enum:"bolt,redis" default:"bolt" env:"IMG2URL_STATE"`
	StatePath   string `help:"bbolt database file of the bolt state store." default:"./data/state.db" env:"IMG2URL_STATE_PATH"`
	RedisURL    string `help:"Redis URL of the redis state store." default:"redis://localhost:6379/0" env:"IMG2URL_REDIS_URL"`
	RedisPrefix string `help:"Key prefix in the redis state store." default:"img2url:" env:"IMG2URL_REDIS_PREFIX"`

	StorageLimit int64 `help:"Storage budget in bytes." default:"10737418240" env:"IMG2URL_STORAGE_LIMIT"`
	ReadLimit    int64 `help:"Daily read budget." default:"1000000" env:"IMG2URL_READ_LIMIT"`
}

// app holds the process-wide resources opened from Globals.
type app struct {
	globals *Globals
	logger  *slog.Logger
	creds   *credentials.Credentials
	backend backend.Backend
	store   kv.Store
	// bolt is set when the bolt state store is in use.
	bolt   *kv.Bolt
	closer func() error
}

// open builds the logger, resolves credentials and opens both stores.
func (g *Globals) open(ctx context.Context) (*app, error) {
	logger, err := newLogger(g.LogLevel, g.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{globals: g, logger: logger, creds: &credentials.Credentials{}}

	if g.Credentials != "" {
		opts := []credentials.ResolverOption{credentials.WithLogger(logger.With("component", "credentials"))}
		if g.CredentialsOp {
			opts = append(opts, credentials.WithOnePassword())
		}
		creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, g.Credentials)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		a.creds = creds
	}

	b, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.backend = backend.NewInstrumentedBackend(b, g.Backend)

	if err := a.openState(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (backend.Backend, error) {
	g := a.globals
	switch g.Backend {
	case "s3":
		cfg := backend.S3Config{
			Bucket:         g.S3Bucket,
			Region:         g.S3Region,
			Endpoint:       g.S3Endpoint,
			ForcePathStyle: g.S3PathStyle,
		}
		if s3 := a.creds.S3; s3 != nil {
			cfg.AccessKeyID = s3.AccessKeyID
			cfg.SecretAccessKey = s3.SecretAccessKey
		}
		b, err := backend.NewS3(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("opening s3 content store: %w", err)
		}
		return b, nil
	default:
		b, err := backend.NewFilesystem(g.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("opening fs content store: %w", err)
		}
		return b, nil
	}
}

func (a *app) openState(ctx context.Context) error {
	g := a.globals
	switch g.State {
	case "redis":
		cfg := kv.RedisConfig{URL: g.RedisURL, Prefix: g.RedisPrefix}
		if r := a.creds.Redis; r != nil {
			cfg.URL = a.secret(r.URL, cfg.URL)
			cfg.Password = r.Password
		}
		store, err := kv.OpenRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("opening redis state store: %w", err)
		}
		a.store = store
		a.closer = store.Close
	default:
		if err := os.MkdirAll(filepath.Dir(g.StatePath), 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
		store, err := kv.OpenBolt(g.StatePath, kv.WithLogger(a.logger.With("component", "state")))
		if err != nil {
			return fmt.Errorf("opening bolt state store: %w", err)
		}
		a.store = store
		a.bolt = store
		a.closer = store.Close
	}
	return nil
}

// secret returns the first non-empty value, so credentials file values win
// over flags.
func (a *app) secret(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Close releases the state store.
func (a *app) Close() {
	if a.closer == nil {
		return
	}
	if err := a.closer(); err != nil {
		a.logger.Warn("closing state store", "error", err)
	}
}

// componentOptions are the per-command tunables; zero values keep each
// component's defaults.
type componentOptions struct {
	baseURL       string
	maxFileSize   int64
	displayZone   *time.Location
	readRateLimit int64
	sweepInterval time.Duration
	sweepPageSize int
	fallback      transcode.FallbackLabel
	maxPixels     int64
	verifier      abuse.Verifier
}

type domain struct {
	pipeline *ingest.Pipeline
	expiry   *expiry.Manager
	stats    *stats.Aggregator
}

// components wires the domain packages over the opened stores.
func (a *app) components(o componentOptions) *domain {
	g := a.globals
	log := a.logger

	statsCfg := stats.DefaultConfig()
	statsCfg.StorageLimit = g.StorageLimit
	statsCfg.ReadLimit = g.ReadLimit
	agg := stats.New(a.store, a.backend, statsCfg, stats.WithLogger(log))

	expCfg := expiry.DefaultConfig()
	expCfg.ReadLimit = g.ReadLimit
	if o.readRateLimit > 0 {
		expCfg.ReadRateLimit = o.readRateLimit
	}
	if o.sweepInterval > 0 {
		expCfg.SweepInterval = o.sweepInterval
	}
	if o.sweepPageSize > 0 {
		expCfg.PageSize = o.sweepPageSize
	}
	meta := expiry.NewMetadataStore(a.store)
	mgr := expiry.NewManager(meta, a.backend, a.store, expCfg,
		expiry.WithLogger(log),
		expiry.WithReadCounter(agg),
	)

	tcCfg := transcode.DefaultConfig()
	if o.fallback != "" {
		tcCfg.Fallback = o.fallback
	}
	if o.maxPixels > 0 {
		tcCfg.MaxPixels = o.maxPixels
	}

	ingCfg := ingest.DefaultConfig()
	ingCfg.StorageLimit = g.StorageLimit
	ingCfg.BaseURL = o.baseURL
	if o.maxFileSize > 0 {
		ingCfg.MaxFileSize = o.maxFileSize
	}
	if o.displayZone != nil {
		ingCfg.DisplayZone = o.displayZone
	}
	pipeline := ingest.New(ingCfg, a.backend, meta,
		dedup.New(a.store),
		abuse.NewGate(a.store, o.verifier, abuse.DefaultConfig(), abuse.WithLogger(log)),
		agg,
		transcode.New(tcCfg, log),
		ingest.WithLogger(log),
	)

	return &domain{pipeline: pipeline, expiry: mgr, stats: agg}
}
