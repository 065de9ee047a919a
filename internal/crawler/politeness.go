package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternarybob/nuntius/internal/models"
)

// Politeness paces the crawl's fetches: a token-bucket cap on total requests
// per second, plus a minimum delay between consecutive requests to one host.
// Both waits honor context cancellation.
type Politeness struct {
	global    *rate.Limiter
	hostDelay time.Duration

	mu    sync.Mutex
	hosts map[string]time.Time // last request per host
}

func NewPoliteness(hostDelay time.Duration, requestsPerSec float64) *Politeness {
	limit := rate.Inf
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
	}
	return &Politeness{
		global:    rate.NewLimiter(limit, 1),
		hostDelay: hostDelay,
		hosts:     make(map[string]time.Time),
	}
}

// Wait blocks until both the global cap and the URL's host delay allow a
// fetch, then records the request time for the host.
func (p *Politeness) Wait(ctx context.Context, rawURL string) error {
	if err := p.global.Wait(ctx); err != nil {
		return err
	}

	host := models.HostOf(rawURL)
	if host == "" || p.hostDelay <= 0 {
		return nil
	}

	p.mu.Lock()
	last := p.hosts[host]
	p.mu.Unlock()

	if wait := time.Until(last.Add(p.hostDelay)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	p.hosts[host] = time.Now()
	p.mu.Unlock()
	return nil
}
