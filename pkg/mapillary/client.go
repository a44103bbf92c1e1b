package mapillary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	errs "mapillary-downloader/pkg/errors"
	"mapillary-downloader/pkg/logger"
	"mapillary-downloader/pkg/models"
	"mapillary-downloader/pkg/ratelimit"
	"mapillary-downloader/pkg/retry"
)

// Options configures a Client
type Options struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
	Limiter    *ratelimit.HostLimiter
	Retry      *retry.Config
	Logger     logger.Logger
}

// Client talks to the Mapillary Graph API and its image CDN
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	limiter    *ratelimit.HostLimiter
	retry      *retry.Config
	logger     logger.Logger
}

// NewClient creates a new API client
func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
		retryCfg.Logger = log
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewHostLimiter(0, 1)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "mapillary-downloader"
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      opts.Token,
		userAgent:  userAgent,
		limiter:    limiter,
		retry:      retryCfg,
		logger:     log.WithField("component", "mapillary"),
	}
}

// ImagesQuery selects the images of one creator
type ImagesQuery struct {
	Username string
	Quality  models.Quality
	BBox     *models.BBox
	Limit    int
}

func (c *Client) imagesURL(q ImagesQuery) string {
	limit := q.Limit
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	params := url.Values{}
	params.Set("creator_username", q.Username)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("fields", Fields(q.Quality))
	if q.BBox != nil {
		params.Set("bbox", q.BBox.String())
	}
	return c.baseURL + "/images?" + params.Encode()
}

// Images pages through every image of the query's creator. Pages are
// fetched lazily as the caller ranges. A page that still fails after the
// retry budget ends the iteration with an *errors.EnumerationError.
func (c *Client) Images(ctx context.Context, q ImagesQuery) iter.Seq2[models.ImageDescriptor, error] {
	return func(yield func(models.ImageDescriptor, error) bool) {
		next := c.imagesURL(q)
		total := 0

		for page := 1; next != ""; page++ {
			p, err := retry.DoWithResult(ctx, func(ctx context.Context) (*imagesPage, error) {
				return c.fetchPage(ctx, next)
			}, c.retry)
			if err != nil {
				yield(models.ImageDescriptor{}, &errs.EnumerationError{User: q.Username, Page: page, Err: err})
				return
			}

			for _, raw := range p.Data {
				d, err := toDescriptor(raw)
				if err != nil {
					c.logger.WithError(err).Warn("Skipping malformed image record")
					continue
				}
				total++
				if !yield(d, nil) {
					return
				}
			}

			c.logger.DebugWithFields("Fetched image page", map[string]interface{}{
				"page":  page,
				"count": len(p.Data),
				"total": total,
			})
			next = p.Paging.Next
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*imagesPage, error) {
	resp, err := c.do(ctx, pageURL, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, err, "failed to read response body")
	}

	var page imagesPage
	if err := json.Unmarshal(body, &page); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		c.logger.WarnWithFields("Failed to parse API response", map[string]interface{}{
			"error":        err.Error(),
			"body_preview": preview,
		})
		// truncated bodies are usually a dropped connection
		return nil, errs.Wrap(errs.ErrorTypeNetwork, err, "failed to parse JSON")
	}
	return &page, nil
}

// FetchImage downloads the bytes behind an image URL in a single attempt.
// The caller decides on retries using the returned error's type.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	resp, err := c.do(ctx, imageURL, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeNetwork, err, "failed to read image body")
	}
	if resp.ContentLength > 0 && int64(len(data)) != resp.ContentLength {
		return nil, errs.New(errs.ErrorTypeNetwork,
			fmt.Sprintf("short image body: got %d of %d bytes", len(data), resp.ContentLength))
	}
	return data, nil
}

// do sends a GET and maps non-2xx statuses to classified errors. The token
// only goes to the API host; CDN URLs are pre-signed.
func (c *Client) do(ctx context.Context, rawURL string, authorize bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeClient, err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if authorize && c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}

	if err := c.limiter.Wait(ctx, req.URL.Host); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.ErrorTypeNetwork, err, "request failed")
	}
	logger.LogRequest(c.logger, req.Method, redact(req.URL), resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg := http.StatusText(resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	statusErr := errs.FromStatus(resp.StatusCode, msg)
	statusErr.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
	return nil, statusErr
}

// retryAfter parses a Retry-After value given as seconds or an HTTP date
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// redact drops query parameters, which may carry signatures or tokens
func redact(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}
