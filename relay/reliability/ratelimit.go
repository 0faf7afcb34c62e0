// Package reliability implements the delivery gates consulted before an
// envelope touches disk: per-sender rate limiting, per-endpoint circuit
// breaking, and mailbox backpressure. Rejections from this package are
// reported to the publisher and never dead-lettered.
package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relay.dev/relay/config"
)

// Rejection reasons surfaced in publish results.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonCircuitOpen  = "circuit_open"
	ReasonBackpressure = "backpressure"
)

// SenderCounter answers how many messages a sender has published since an
// instant. The SQLite index satisfies this.
type SenderCounter interface {
	CountSenderSince(ctx context.Context, sender string, since time.Time) (int, error)
}

// RateLimiter enforces a sliding-window cap per sender, windowed over the
// message index. Checked once per publish call, before endpoint fan-out.
type RateLimiter struct {
	counter SenderCounter
	log     zerolog.Logger
}

func NewRateLimiter(counter SenderCounter) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow reports whether the sender is within its window. The index is a
// convenience projection, so a failed count fails open.
func (l *RateLimiter) Allow(ctx context.Context, from string, cfg config.RateLimit, now time.Time) bool {
	if !cfg.Enabled {
		return true
	}
	since := now.Add(-time.Duration(cfg.WindowSecs) * time.Second)
	n, err := l.counter.CountSenderSince(ctx, from, since)
	if err != nil {
		l.log.Warn().Err(err).Str("from", from).Msg("sender count failed, admitting")
		return true
	}
	return n < cfg.MaxPerWindow
}
