package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting
type Limiter interface {
	// Allow reports whether a request may proceed now, consuming a token if so
	Allow() bool
	// Wait blocks until a request may proceed or ctx is done
	Wait(ctx context.Context) error
	// Reset refills the limiter
	Reset()
}

// TokenBucket is a Limiter backed by golang.org/x/time/rate
type TokenBucket struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	limiter *rate.Limiter
}

// NewTokenBucket allows perSecond requests per second on average with bursts
// of up to burst. perSecond <= 0 disables limiting.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		limit:   limit,
		burst:   burst,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (tb *TokenBucket) current() *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limiter
}

// Allow checks if a request can proceed
func (tb *TokenBucket) Allow() bool {
	return tb.current().Allow()
}

// Wait blocks until a token is available
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.current().Wait(ctx)
}

// Reset restores a full bucket
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.limiter = rate.NewLimiter(tb.limit, tb.burst)
}

// HostLimiter keeps one TokenBucket per host so API pages and image CDN
// fetches are paced independently.
type HostLimiter struct {
	perSecond float64
	burst     int

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewHostLimiter creates a per-host limiter with the same policy for every host
func NewHostLimiter(perSecond float64, burst int) *HostLimiter {
	return &HostLimiter{
		perSecond: perSecond,
		burst:     burst,
		buckets:   make(map[string]*TokenBucket),
	}
}

// For returns the bucket for host, creating it on first use
func (h *HostLimiter) For(host string) Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.buckets[host]; ok {
		return b
	}
	b := NewTokenBucket(h.perSecond, h.burst)
	h.buckets[host] = b
	return b
}

// Wait blocks until a request to host may proceed
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.For(host).Wait(ctx)
}
