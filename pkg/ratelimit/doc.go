// Package ratelimit paces outgoing requests.
//
// TokenBucket wraps golang.org/x/time/rate behind the small Limiter
// interface. HostLimiter keeps a separate bucket per host, so listing pages
// on the Graph API and image fetches from the CDN do not share a budget.
//
//	limiter := ratelimit.NewHostLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
//	if err := limiter.Wait(ctx, req.URL.Host); err != nil {
//		return err
//	}
package ratelimit
