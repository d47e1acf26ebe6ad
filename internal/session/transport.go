// Package session provides the HTTP client every site Fetcher shares: a
// RoundTripper chain (headers, cookies, host scoping, per-host throttle,
// shared rate limiting, status classification) with a bounded retry loop
// layered on top via avast/retry-go.
package session

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/n0vella/novelcask/internal/cache"
	"github.com/n0vella/novelcask/internal/logging"
	"github.com/n0vella/novelcask/internal/metrics"
	"github.com/n0vella/novelcask/internal/ratelimit"
)

// statusFault wraps a non-2xx HTTP status so callers can classify it as a
// transport fault or access-limited content without string matching.
type statusFault struct {
	status int
	url    string
}

func (e statusFault) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.status, e.url)
}

// Status returns the HTTP status code that triggered the fault.
func (e statusFault) Status() int { return e.status }

// AccessLimited reports whether this status looks like a site access-limit
// (paywall, VIP gate, login wall) rather than a generic transport fault.
func (e statusFault) AccessLimited() bool {
	return e.status == http.StatusForbidden || e.status == http.StatusPaymentRequired || e.status == http.StatusUnauthorized
}

// throttledTransport paces outbound requests to one host through an
// x/time/rate limiter, independent of the shared fetch-pool bucket: even
// when several books hammer the same host, requests leave at most at the
// configured per-host rate. A 403 or 429 response empties the limiter so
// the next request waits out a full refill window before trying again.
type throttledTransport struct {
	http.RoundTripper
	limiter *rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		t.limiter.ReserveN(time.Now(), t.limiter.Burst())
		logging.Log(r.Context()).Warn("cooling down after upstream pushback", "status", resp.StatusCode)
	}
	return resp, nil
}

// limiterTransport acquires one token from the shared fetch-pool bucket
// per request, so every HTTP call a run makes is paced by the same
// limiter regardless of which layer issued it.
type limiterTransport struct {
	http.RoundTripper
	limiter *ratelimit.Limiter
}

func (t limiterTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Acquire(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// cookieTransport adds a Cookie header built from a mutable cookie map to
// every outbound request. Best paired with a scopedTransport so
// credentials can't leak to another host via a redirect.
type cookieTransport struct {
	http.RoundTripper

	mu      sync.Mutex
	cookies map[string]string
}

func (t *cookieTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if header := t.header(); header != "" {
		r.Header.Set("Cookie", header)
	}
	return t.RoundTripper.RoundTrip(r)
}

// header renders the cookie map as a deterministic "k=v; k=v" header.
func (t *cookieTransport) header() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.cookies) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t.cookies))
	for k := range t.cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+t.cookies[k])
	}
	return strings.Join(pairs, "; ")
}

// update merges m into the cookie map, overwriting duplicate names.
func (t *cookieTransport) update(m map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range m {
		t.cookies[k] = v
	}
}

// parseCookieString splits a raw "a=1; b=2" Cookie header into a map.
func parseCookieString(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		out[name] = value
	}
	return out
}

// scopedTransport pins requests to a single host so a redirect can't send
// the session's cookie elsewhere.
type scopedTransport struct {
	http.RoundTripper
	host string
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.host != "" {
		r.URL.Host = t.host
	}
	return t.RoundTripper.RoundTrip(r)
}

// statusProxyTransport converts any 4xx/5xx response into a statusFault so
// callers can branch on it with errors.As instead of inspecting
// resp.StatusCode by hand.
type statusProxyTransport struct {
	http.RoundTripper
}

func (t statusProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, statusFault{status: resp.StatusCode, url: r.URL.String()}
	}
	return resp, nil
}

// headerTransport applies the session's default headers to every request.
type headerTransport struct {
	http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	for k, vs := range t.headers {
		if r.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	return t.RoundTripper.RoundTrip(r)
}

// Config configures a new Session.
type Config struct {
	Host      string
	Cookie    string
	UserAgent string

	// Headers are default request headers applied to every call (e.g. a
	// per-site Referer). User-Agent set here overrides UserAgent.
	Headers map[string]string

	Timeout time.Duration
	Limiter *ratelimit.Limiter

	// HostRPS caps requests per second to the target host, enforced at
	// the transport independent of Limiter; zero disables the cap. A 403
	// or 429 from the host empties this limiter's bucket, imposing a
	// cooldown before the next attempt.
	HostRPS   float64
	HostBurst int

	// Proxy routes all requests through the given URL. TrustEnv instead
	// honors HTTP_PROXY/HTTPS_PROXY from the environment; an explicit
	// Proxy wins over TrustEnv.
	Proxy    string
	TrustEnv bool

	// SkipVerify disables TLS certificate verification, for sites with
	// chronically broken certificate chains.
	SkipVerify bool

	// MaxConnections bounds concurrent connections to the target host;
	// zero means no bound beyond the transport default.
	MaxConnections int

	// Encoding overrides response decoding for sites that serve legacy
	// charsets without declaring them: "gbk", "gb2312", or "gb18030".
	// Empty means the body is used as-is (UTF-8).
	Encoding string

	// Cache, if non-nil, is consulted before every Get and populated after
	// every successful one, so a requeued CidTask that re-fetches an
	// already-seen pagination page is served from memory instead of
	// crossing the network again.
	Cache *cache.PageCache

	// Metrics, if non-nil, receives a request-duration observation for
	// every call, labeled by outcome.
	Metrics *metrics.Session

	// RetryBaseDelay, RetryMultiplier, and RetryJitter parameterize the
	// per-request retry backoff: base * multiplier^attempt +/- U(-jitter,
	// +jitter). Zero values fall back to New's defaults.
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryJitter     time.Duration

	// SpacingBase and SpacingJitter parameterize the inter-request sleep
	// applied after each successful call: base +/- U(-jitter, +jitter).
	// Zero values fall back to New's defaults.
	SpacingBase   time.Duration
	SpacingJitter time.Duration
}

// defaultHeaders assembles the immutable default header set from cfg.
func defaultHeaders(cfg Config) http.Header {
	h := make(http.Header)
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	if h.Get("User-Agent") == "" && cfg.UserAgent != "" {
		h.Set("User-Agent", cfg.UserAgent)
	}
	return h
}

// baseTransport builds the innermost *http.Transport from cfg's proxy,
// TLS, and connection-bound options.
func baseTransport(cfg Config) (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()

	switch {
	case cfg.Proxy != "":
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	case cfg.TrustEnv:
		t.Proxy = http.ProxyFromEnvironment
	default:
		t.Proxy = nil
	}

	if cfg.SkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.MaxConnections > 0 {
		t.MaxConnsPerHost = cfg.MaxConnections
	}
	return t, nil
}

// newClient builds the http.Client with the full transport chain, base to
// outermost: base -> header -> cookie -> scoped -> throttled -> limiter ->
// statusProxy. It returns the cookie layer so the Session can merge new
// cookies in after construction.
func newClient(cfg Config) (*http.Client, *cookieTransport, error) {
	base, err := baseTransport(cfg)
	if err != nil {
		return nil, nil, err
	}

	var rt http.RoundTripper = base
	rt = headerTransport{RoundTripper: rt, headers: defaultHeaders(cfg)}

	cookies := &cookieTransport{RoundTripper: rt, cookies: parseCookieString(cfg.Cookie)}
	rt = cookies

	if cfg.Host != "" {
		rt = scopedTransport{RoundTripper: rt, host: cfg.Host}
	}
	if cfg.HostRPS > 0 {
		burst := cfg.HostBurst
		if burst < 1 {
			burst = 1
		}
		rt = throttledTransport{RoundTripper: rt, limiter: rate.NewLimiter(rate.Limit(cfg.HostRPS), burst)}
	}
	if cfg.Limiter != nil {
		rt = limiterTransport{RoundTripper: rt, limiter: cfg.Limiter}
	}
	rt = statusProxyTransport{RoundTripper: rt}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &http.Client{Transport: rt, Timeout: timeout}, cookies, nil
}
