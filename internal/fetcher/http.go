package fetcher

import (
	"context"
	"io"
	"maps"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration // per request including the body; default 30s
	MaxRetries  int           // attempts per request; default 3
	BaseBackoff time.Duration // first retry delay; default 1s
	// HostRates caps requests per second per host, on top of DefaultHostRates.
	HostRates map[string]rate.Limit
}

// Hosts the pipeline talks to.
const (
	TripDataHost  = "d37ci6vzurychx.cloudfront.net"
	CovariateHost = "archive-api.open-meteo.com"
)

// DefaultHostRates are the request rates used for the public data hosts.
func DefaultHostRates() map[string]rate.Limit {
	return map[string]rate.Limit{
		TripDataHost:  4,
		CovariateHost: 2,
	}
}

// AdaptiveLimiter is a rate limiter that halves its rate on each 429, down
// to a quarter of the configured rate, and recovers 20% per success back up
// to it.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at r.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(r, max(burst, 1)),
		ceiling: r,
		floor:   r / 4,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess moves the rate back toward the configured one.
func (a *AdaptiveLimiter) OnSuccess() { a.scale(1.2) }

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	r := a.scale(0.5)
	zap.L().Warn("fetcher: reducing rate after 429", zap.Float64("new_rate", float64(r)))
}

func (a *AdaptiveLimiter) scale(f float64) rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := min(max(a.limiter.Limit()*rate.Limit(f), a.floor), a.ceiling)
	a.limiter.SetLimit(r)
	return r
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	return a.limiter.Limit()
}

// HTTPFetcher implements Fetcher over net/http with per-host rate limiting
// and retries of transient failures.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	retry    resilience.RetryConfig
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "market-trends/1.0"
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = opts.BaseBackoff

	rates := DefaultHostRates()
	maps.Copy(rates, opts.HostRates)
	limiters := make(map[string]*AdaptiveLimiter, len(rates))
	for host, r := range rates {
		limiters[host] = NewAdaptiveLimiter(r, 1)
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		retry:    retry,
		limiters: limiters,
	}
}

// wait applies the host's limiter, if it has one.
func (f *HTTPFetcher) wait(ctx context.Context, host string) (*AdaptiveLimiter, error) {
	lim, ok := f.limiters[host]
	if !ok {
		return nil, nil
	}
	return lim, lim.Wait(ctx)
}

// doWithRetry sends req until it gets a non-transient response or the
// attempt budget runs out. 429s also slow the host's adaptive limiter.
func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	log := zap.L().With(zap.String("component", "fetcher.http"), zap.String("url", req.URL.String()))
	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if attempt > 0 && !resilience.Sleep(ctx, f.retry.Backoff(attempt-1)) {
			return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
		}
		adaptive, err := f.wait(ctx, req.URL.Host)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
		case err != nil:
			lastErr = resilience.NewTransientError(err, 0)
			log.Warn("fetcher: request failed", zap.Int("attempt", attempt+1), zap.Error(err))
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests && adaptive != nil {
				adaptive.OnRateLimit()
			}
			lastErr = resilience.NewTransientError(
				&StatusError{URL: req.URL.String(), Code: resp.StatusCode}, resp.StatusCode)
			log.Warn("fetcher: transient status", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
		default:
			if adaptive != nil {
				adaptive.OnSuccess()
			}
			return resp, nil
		}
	}
	return nil, eris.Wrap(lastErr, "fetcher: all retries exhausted")
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Wrap(&StatusError{URL: rawURL, Code: resp.StatusCode}, "fetcher: download")
	}
	return resp.Body, nil
}

// DownloadToFile streams the URL to a temporary sibling of path and renames
// it into place once complete. Parent directories are created as needed.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	out, err := atomicfile.Create(path)
	if err != nil {
		return 0, err
	}
	defer out.Abort()

	n, err := io.Copy(out, body)
	if err != nil {
		// A body cut short mid-stream is worth another attempt.
		return n, resilience.NewTransientError(eris.Wrap(err, "fetcher: write file"), 0)
	}
	return n, out.Commit()
}
