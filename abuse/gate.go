package abuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/store/kv"
)

var (
	// ErrCaptchaRequired is returned at a challenge count when no token is supplied.
	ErrCaptchaRequired = errors.New("captcha verification required for high-volume uploads")
	// ErrCaptchaUsed is returned when a token has already been consumed.
	ErrCaptchaUsed = errors.New("verification token has already been used")
	// ErrCaptchaFailed is returned when the oracle rejects a token.
	ErrCaptchaFailed = errors.New("captcha verification failed")
	// ErrCaptchaNotConfigured is returned when a token arrives but no oracle is set up.
	ErrCaptchaNotConfigured = errors.New("captcha verification is not configured")
	// ErrDailyLimit is returned once an IP reaches the daily limit.
	ErrDailyLimit = errors.New("daily upload limit exceeded")
	// ErrBurstLimit is returned when an IP uploads too often within a minute.
	ErrBurstLimit = errors.New("too many uploads in a short time")
)

// Verification is the oracle's answer for a token.
type Verification struct {
	Success    bool
	ErrorCodes []string
}

// Verifier checks a CAPTCHA token with an external oracle.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (*Verification, error)
}

// Decision is the outcome of a passed gate evaluation. It carries what
// RecordUpload needs to bump the quota on the same day key.
type Decision struct {
	IP       string
	QuotaKey string
	// Count is the daily count before this upload.
	Count         int64
	Tier          Tier
	TokenConsumed bool
}

// Gate evaluates uploads against the abuse controls. All state lives in the
// store and every counter is read-then-write, so concurrent requests from
// one IP can slip past a limit by the width of the race.
type Gate struct {
	store    kv.Store
	verifier Verifier
	cfg      Config
	burst    *Window
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a Gate. A nil verifier means tokens cannot be checked and
// any request carrying one fails with ErrCaptchaNotConfigured.
func NewGate(store kv.Store, verifier Verifier, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		verifier: verifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.burst = NewWindow(store, "upload_rate", cfg.BurstLimit, cfg.RateTTL, func() time.Time { return g.now() })
	g.logger = g.logger.With("component", "abuse")
	return g
}

// Config returns the gate thresholds.
func (g *Gate) Config() Config {
	return g.cfg
}

// QuotaKey returns the daily counter key for ip, dated in UTC.
func (g *Gate) QuotaKey(ip string) string {
	return "uploads:" + g.now().UTC().Format("2006-01-02") + ":" + ip
}

// TokenKey returns the used-token key. The token is hashed so arbitrarily
// long tokens map to fixed-size keys.
func TokenKey(token string) string {
	return "ts:" + img2url.HashString(token).String()
}

// DailyCount returns the IP's upload count for today.
func (g *Gate) DailyCount(ctx context.Context, ip string) (int64, error) {
	n, err := kv.GetInt(ctx, g.store, g.QuotaKey(ip))
	if err != nil {
		return 0, fmt.Errorf("reading daily quota: %w", err)
	}
	return n, nil
}

// Evaluate runs the gate for one upload. Checks run in a fixed order:
// daily block, burst limit, challenge requirement, token verification.
// A blocked IP is rejected before its token is consumed. Only when every
// check passes is the burst window incremented.
func (g *Gate) Evaluate(ctx context.Context, ip, token string) (*Decision, error) {
	quotaKey := g.QuotaKey(ip)
	n, err := kv.GetInt(ctx, g.store, quotaKey)
	if err != nil {
		return nil, fmt.Errorf("reading daily quota: %w", err)
	}

	d := &Decision{IP: ip, QuotaKey: quotaKey, Count: n, Tier: g.cfg.Classify(n)}
	log := g.logger.With("ip", ip, "count", n, "tier", d.Tier.String())

	if d.Tier == TierBlocked {
		log.Info("upload rejected: daily limit")
		return nil, ErrDailyLimit
	}

	rateKey, rate, err := g.burst.Count(ctx, ip)
	if err != nil {
		return nil, err
	}
	if g.burst.Exceeded(rate) {
		log.Info("upload rejected: burst limit", "rate", rate)
		return nil, ErrBurstLimit
	}

	if d.Tier == TierChallenge && token == "" {
		log.Info("upload rejected: captcha required")
		return nil, ErrCaptchaRequired
	}

	if token != "" {
		if err := g.consumeToken(ctx, ip, token); err != nil {
			log.Info("upload rejected: token", "error", err)
			return nil, err
		}
		d.TokenConsumed = true
	}

	if err := g.burst.Record(ctx, rateKey, rate); err != nil {
		return nil, err
	}
	return d, nil
}

// consumeToken rejects a replayed token, asks the oracle, and marks the
// token used on success.
func (g *Gate) consumeToken(ctx context.Context, ip, token string) error {
	if g.verifier == nil {
		return ErrCaptchaNotConfigured
	}

	key := TokenKey(token)
	_, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		return ErrCaptchaUsed
	case !errors.Is(err, kv.ErrNotFound):
		return fmt.Errorf("reading token record: %w", err)
	}

	v, err := g.verifier.Verify(ctx, token, ip)
	if err != nil {
		return err
	}
	if !v.Success {
		reason := "unknown error"
		if len(v.ErrorCodes) > 0 {
			reason = strings.Join(v.ErrorCodes, ", ")
		}
		return fmt.Errorf("%w: %s", ErrCaptchaFailed, reason)
	}

	if err := g.store.Put(ctx, key, "1", g.cfg.TokenTTL); err != nil {
		return fmt.Errorf("marking token used: %w", err)
	}
	return nil
}

// RecordUpload bumps the daily counter after a successful upload and
// returns the new count. The counter is read again here rather than taken
// from the decision, so uploads that overlapped since Evaluate are kept.
func (g *Gate) RecordUpload(ctx context.Context, d *Decision) (int64, error) {
	next, err := kv.Increment(ctx, g.store, d.QuotaKey, g.cfg.QuotaTTL)
	if err != nil {
		return d.Count, fmt.Errorf("writing daily quota: %w", err)
	}
	return next, nil
}
