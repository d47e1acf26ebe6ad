package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/n0vella/novelcask/internal/cache"
	"github.com/n0vella/novelcask/internal/logging"
	"github.com/n0vella/novelcask/internal/metrics"
)

const (
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMultiplier = 2.0
	defaultRetryJitter     = 100 * time.Millisecond
	defaultRetryMaxDelay   = 10 * time.Second

	defaultSpacingBase   = 150 * time.Millisecond
	defaultSpacingJitter = 100 * time.Millisecond
)

// Fault categorizes a failed fetch so callers can tell retryable transport
// faults apart from access-limited content, which is not.
type Fault struct {
	Transient     bool
	AccessLimited bool
	cause         error
}

func (f *Fault) Error() string { return f.cause.Error() }
func (f *Fault) Unwrap() error { return f.cause }

// Session is the shared HTTP client a site Fetcher uses to pull pages. It
// owns retry policy; callers get back either a body or a classified Fault.
type Session struct {
	client     *http.Client
	cookies    *cookieTransport
	headers    http.Header
	charset    encoding.Encoding
	maxRetries uint
	cache      *cache.PageCache
	metrics    *metrics.Session

	retryBaseDelay  time.Duration
	retryMultiplier float64
	retryJitter     time.Duration

	spacingBase   time.Duration
	spacingJitter time.Duration
}

// New builds a Session from cfg. maxRetries bounds the *session's own*
// per-request retry loop (transient transport errors only); the
// downloader's own requeue loop (max_retries on each CidTask) is a
// separate, coarser retry applied across the whole fetch-parse-store
// cycle.
func New(cfg Config, maxRetries uint) (*Session, error) {
	client, cookies, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	charset, err := charsetFor(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:     client,
		cookies:    cookies,
		headers:    defaultHeaders(cfg),
		charset:    charset,
		maxRetries: maxRetries,
		cache:      cfg.Cache,
		metrics:    cfg.Metrics,

		retryBaseDelay:  cfg.RetryBaseDelay,
		retryMultiplier: cfg.RetryMultiplier,
		retryJitter:     cfg.RetryJitter,

		spacingBase:   cfg.SpacingBase,
		spacingJitter: cfg.SpacingJitter,
	}
	if s.retryBaseDelay == 0 {
		s.retryBaseDelay = defaultRetryBaseDelay
	}
	if s.retryMultiplier == 0 {
		s.retryMultiplier = defaultRetryMultiplier
	}
	if s.retryJitter == 0 {
		s.retryJitter = defaultRetryJitter
	}
	if s.spacingBase == 0 {
		s.spacingBase = defaultSpacingBase
	}
	if s.spacingJitter == 0 {
		s.spacingJitter = defaultSpacingJitter
	}
	return s, nil
}

// charsetFor maps an encoding override name to its x/text encoding. Empty
// means no decoding (the body is already UTF-8).
func charsetFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "gbk", "gb2312":
		// GBK is a superset of GB2312; sites declaring either actually
		// serve GBK in practice.
		return simplifiedchinese.GBK, nil
	case "gb18030":
		return simplifiedchinese.GB18030, nil
	default:
		return nil, fmt.Errorf("unsupported encoding override %q", name)
	}
}

// Headers returns a copy of the session's default headers; mutating the
// returned value does not affect the session.
func (s *Session) Headers() http.Header {
	out := make(http.Header, len(s.headers))
	for k, vs := range s.headers {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// UpdateCookies merges m into the session's cookie set, overwriting
// duplicate names. Safe to call while requests are in flight.
func (s *Session) UpdateCookies(m map[string]string) {
	s.cookies.update(m)
}

// Close releases idle connections. The Session must not be used after.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// backoffDelay implements base * multiplier^attempt +/- U(-jitter, +jitter),
// clamped so the jitter term never drives the delay negative.
func (s *Session) backoffDelay(n uint, _ error, _ *retry.Config) time.Duration {
	d := float64(s.retryBaseDelay) * math.Pow(s.retryMultiplier, float64(n))
	if s.retryJitter > 0 {
		d += (rand.Float64()*2 - 1) * float64(s.retryJitter)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// spacingSleep pauses for the jittered inter-request interval applied
// after every successful call: base +/- U(-jitter, +jitter). This is
// distinct from the RateLimiter (which bounds aggregate throughput across
// every fetch worker) and from retry backoff (which only fires on
// failure); it mimics a browser's own pacing on a single connection and
// runs even when nothing failed.
func (s *Session) spacingSleep(ctx context.Context) {
	d := float64(s.spacingBase) + (rand.Float64()*2-1)*float64(s.spacingJitter)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Get fetches url and returns its decoded body, retrying transient
// transport faults with jittered exponential backoff. Access-limited
// responses are returned immediately without retry, since retrying a
// paywall doesn't help. On success, Get sleeps a small jittered interval
// before returning so callers that fetch in a tight loop still pace their
// requests like a browser would.
//
// If a page cache was configured, Get serves a cache hit without touching
// the network or the inter-request sleep, and stores a fresh body under
// url after a successful fetch.
func (s *Session) Get(ctx context.Context, url string) (string, error) {
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, url); ok {
			return body, nil
		}
	}

	body, err := s.fetch(ctx, url, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		s.cache.Set(ctx, url, body)
	}
	return body, nil
}

// Post submits form to url and returns the decoded response body, with
// the same retry, classification, and pacing behavior as Get. Responses
// are never cached: a POST's body depends on what was sent.
func (s *Session) Post(ctx context.Context, url string, form url.Values) (string, error) {
	encoded := form.Encode()
	return s.fetch(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// fetch runs one logical request through the retry loop. newReq is called
// once per attempt so request bodies are never reused across attempts.
func (s *Session) fetch(ctx context.Context, url string, newReq func() (*http.Request, error)) (string, error) {
	start := time.Now()
	var body string

	err := retry.Do(
		func() error {
			req, err := newReq()
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := s.client.Do(req)
			if err != nil {
				var sf statusFault
				if errors.As(err, &sf) && sf.AccessLimited() {
					return retry.Unrecoverable(&Fault{AccessLimited: true, cause: err})
				}
				return &Fault{Transient: true, cause: err}
			}
			defer func() { _ = resp.Body.Close() }()

			b, err := io.ReadAll(s.decodeBody(resp.Body))
			if err != nil {
				return &Fault{Transient: true, cause: err}
			}
			body = string(b)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.maxRetries+1),
		retry.DelayType(s.backoffDelay),
		retry.MaxDelay(defaultRetryMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			logging.Log(ctx).Debug("retrying fetch", "url", url, "attempt", n, "err", err)
		}),
	)
	if err != nil {
		if s.metrics != nil {
			s.metrics.Observe(outcomeLabel(err), time.Since(start).Seconds())
		}
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	if s.metrics != nil {
		s.metrics.Observe("ok", time.Since(start).Seconds())
	}

	s.spacingSleep(ctx)
	return body, nil
}

// decodeBody wraps r with a fresh decoder for the configured charset, if
// any. A new decoder per response keeps concurrent fetch workers from
// sharing transformer state.
func (s *Session) decodeBody(r io.Reader) io.Reader {
	if s.charset == nil {
		return r
	}
	return transform.NewReader(r, s.charset.NewDecoder())
}

// outcomeLabel classifies a failed fetch for the Session metrics'
// "outcome" label.
func outcomeLabel(err error) string {
	var f *Fault
	if errors.As(err, &f) && f.AccessLimited {
		return "access_limited"
	}
	return "transient"
}
