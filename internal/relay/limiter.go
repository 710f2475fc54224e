package relay

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// sourceLimiter applies a packets-per-second budget to each source endpoint.
type sourceLimiter struct {
	pps     int
	now     func() time.Time
	buckets *lru.Cache[string, *rate.Limiter]
}

// newSourceLimiter returns nil when pps <= 0. A nil *sourceLimiter allows
// everything.
func newSourceLimiter(pps, maxSources int, now func() time.Time) (*sourceLimiter, error) {
	if pps <= 0 {
		return nil, nil
	}
	if now == nil {
		now = time.Now
	}
	buckets, err := lru.New[string, *rate.Limiter](maxSources)
	if err != nil {
		return nil, err
	}
	return &sourceLimiter{pps: pps, now: now, buckets: buckets}, nil
}

func (l *sourceLimiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	b, ok := l.buckets.Get(source)
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.pps), l.pps)
		l.buckets.Add(source, b)
	}
	return b.AllowN(l.now(), 1)
}

func (l *sourceLimiter) Len() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
