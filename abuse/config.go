// Package abuse implements the per-IP upload gate: daily quota tiers, a
// per-minute burst limit, and one-time CAPTCHA tokens.
package abuse

import "time"

// Config holds every threshold the gate enforces.
type Config struct {
	// DailyLimit blocks an IP once its daily count reaches it.
	DailyLimit int64
	// CaptchaFrom is the first daily count that can require a challenge.
	CaptchaFrom int64
	// CaptchaEvery requires a challenge on every multiple of it from CaptchaFrom.
	CaptchaEvery int64
	// BurstLimit caps uploads per IP per epoch-minute bucket.
	BurstLimit int64

	QuotaTTL time.Duration
	RateTTL  time.Duration
	TokenTTL time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DailyLimit:   500,
		CaptchaFrom:  300,
		CaptchaEvery: 50,
		BurstLimit:   30,
		QuotaTTL:     24 * time.Hour,
		RateTTL:      60 * time.Second,
		TokenTTL:     5 * time.Minute,
	}
}

// Tier is the quota classification of an IP's daily count.
type Tier int

const (
	TierNormal Tier = iota
	TierChallenge
	TierBlocked
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierChallenge:
		return "challenge"
	case TierBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Classify returns the tier for a daily count n. Blocked wins over challenge.
func (c Config) Classify(n int64) Tier {
	switch {
	case n >= c.DailyLimit:
		return TierBlocked
	case c.RequiresCaptcha(n):
		return TierChallenge
	default:
		return TierNormal
	}
}

// RequiresCaptcha reports whether an upload made at daily count n needs a token.
func (c Config) RequiresCaptcha(n int64) bool {
	if c.CaptchaEvery <= 0 {
		return n >= c.CaptchaFrom
	}
	return n >= c.CaptchaFrom && n%c.CaptchaEvery == 0
}

// Remaining returns how many uploads are left after the count reaches n.
func (c Config) Remaining(n int64) int64 {
	return c.DailyLimit - n
}
