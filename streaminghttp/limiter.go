package streaminghttp

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxTrackedCallers = 10_000

// callerLimiter holds one token bucket per caller key. The least recently
// seen callers are forgotten once maxTrackedCallers is reached.
type callerLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func newCallerLimiter(rps float64, burst int) (*callerLimiter, error) {
	cache, err := lru.New[string, *rate.Limiter](maxTrackedCallers)
	if err != nil {
		return nil, err
	}
	if burst < 1 {
		burst = 1
	}
	return &callerLimiter{limit: rate.Limit(rps), burst: burst, limiters: cache}, nil
}

func (l *callerLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}
