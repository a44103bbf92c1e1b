// Package retry provides bounded retries with exponential backoff for
// transient failures: API page fetches and image downloads.
//
// Only errors classified as transient by pkg/errors (network, rate limit,
// 5xx) are retried by default. Everything else returns after one attempt.
//
//	page, err := retry.DoWithResult(ctx, func(ctx context.Context) (*Page, error) {
//		return client.fetchPage(ctx, next)
//	}, retry.FromSettings(cfg.Retry, log))
//
// Waits between attempts honor ctx, so an interrupted run stops retrying
// immediately.
package retry
