package upstream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer serializes outbound Comic Vine API calls so that consecutive calls
// are spaced at least one interval apart, process-wide. Comic Vine's anti-bot
// layer blocks server IPs that exceed roughly one request per second.
//
// A token bucket with burst 1 gives exactly this behavior: one caller is
// granted per interval and the rest queue. The clock starts at grant time,
// not at upstream response time. Image fetches bypass the pacer; only
// metadata API calls are rate sensitive.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer returns a pacer enforcing the given minimum inter-call spacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the caller is granted its slot or ctx is canceled.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.lim.Wait(ctx)
}
