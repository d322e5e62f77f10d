package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"intentline/internal/apperr"
)

const maxTrackedTenants = 4096

// limiters holds one token bucket per tenant. A zero rate disables limiting.
type limiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func newLimiters(perSecond float64, burst int) (*limiters, error) {
	l := &limiters{limit: rate.Limit(perSecond), burst: burst}
	if perSecond <= 0 {
		return l, nil
	}
	buckets, err := lru.New[string, *rate.Limiter](maxTrackedTenants)
	if err != nil {
		return nil, fmt.Errorf("rate limiter cache: %w", err)
	}
	l.buckets = buckets
	return l, nil
}

func (l *limiters) allow(tenantID string, now time.Time) error {
	if l == nil || l.buckets == nil {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.buckets.Get(tenantID)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(tenantID, lim)
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return rateLimited(tenantID, time.Second)
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return rateLimited(tenantID, d)
	}
	return nil
}

func rateLimited(tenantID string, d time.Duration) error {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return apperr.New(apperr.CodeRateLimited, "tenant %s exceeded its submission rate", tenantID).
		WithRetryable(true).
		WithRemediation("retry after %d seconds", secs).
		WithDetail("retry_after_seconds", secs)
}
