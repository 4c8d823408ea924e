package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum spacing between consecutive outbound page
// fetches. The portal fronts an anti-automation layer; a crawl that fires
// requests back to back gets the whole session flagged. Spacing is applied
// per host and is paid on success and failure alike.
type Pacer struct {
	spacing  time.Duration
	limiters sync.Map // host -> *rate.Limiter
}

// NewPacer creates a pacer with the given minimum inter-request spacing.
func NewPacer(minSpacing time.Duration) *Pacer {
	if minSpacing <= 0 {
		minSpacing = 500 * time.Millisecond
	}
	return &Pacer{spacing: minSpacing}
}

// Wait blocks until the next request to host may start. It genuinely
// suspends the caller; the traversal resumes only after the spacing has
// elapsed or ctx ends.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	return p.limiter(host).Wait(ctx)
}

// SetCrawlDelay stretches the spacing for one host, e.g. from a robots.txt
// crawl-delay hint. The configured minimum is a floor, never raised past a
// shorter hint.
func (p *Pacer) SetCrawlDelay(host string, delay time.Duration) {
	if delay <= p.spacing {
		return
	}
	p.limiter(host).SetLimit(rate.Every(delay))
}

func (p *Pacer) limiter(host string) *rate.Limiter {
	if lim, ok := p.limiters.Load(host); ok {
		return lim.(*rate.Limiter)
	}
	// Burst 1: the very first request passes immediately, every subsequent
	// one waits out the full spacing.
	newLimiter := rate.NewLimiter(rate.Every(p.spacing), 1)
	actual, _ := p.limiters.LoadOrStore(host, newLimiter)
	return actual.(*rate.Limiter)
}
