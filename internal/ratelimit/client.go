// Package ratelimit wraps HTTP access to exchange REST APIs with
// per-exchange weight accounting, capped 429 backoff and a circuit
// breaker around the transport.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"arbitrage-md-ingest/internal/metrics"
)

const (
	windowLength   = time.Minute
	defaultTimeout = 15 * time.Second

	// defaultBackoff applies when a 429 carries no Retry-After header.
	defaultBackoff = 60 * time.Second
	// maxBackoff caps any single retry wait.
	maxBackoff = 120 * time.Second
	// backoffGrowth multiplies the wait between consecutive retries.
	backoffGrowth = 1.5
	// retryBudget is the number of retries after the first failure.
	retryBudget = 2

	// transportBackoff is the initial wait after a transport error.
	transportBackoff = time.Second

	// maxBodyBytes bounds response reads. Catalogue endpoints return a
	// few MB at most.
	maxBodyBytes = 32 << 20
)

// Limit describes one exchange's public REST budget.
type Limit struct {
	// PerMinute is the weight budget of one fixed 60s window.
	PerMinute int64
	// WeightHeader, when set, names the response header carrying the
	// server-side used weight for the current window.
	WeightHeader string
}

// defaultLimit applies to exchanges without an explicit entry.
var defaultLimit = Limit{PerMinute: 100}

var limits = map[string]Limit{
	"binance":  {PerMinute: 6000, WeightHeader: "X-MBX-USED-WEIGHT-1M"},
	"okx":      {PerMinute: 1200},
	"htx":      {PerMinute: 100},
	"gate":     {PerMinute: 100},
	"kucoin":   {PerMinute: 100},
	"mexc":     {PerMinute: 100},
	"bitfinex": {PerMinute: 100},
}

// LimitFor returns the REST budget of one exchange.
func LimitFor(exchange string) Limit {
	if l, ok := limits[exchange]; ok {
		return l
	}
	return defaultLimit
}

// StatusError reports a non-2xx REST response.
type StatusError struct {
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s returned %d: %s", e.URL, e.Status, e.Body)
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

type window struct {
	start time.Time
	used  int64
}

type key struct {
	exchange string
	kind     string
}

// Client is a weight-aware GET client shared by all connectors of a
// process. Each (exchange, kind) pair gets an independent window and
// circuit breaker.
type Client struct {
	http *http.Client
	log  zerolog.Logger

	mu      sync.Mutex
	windows map[key]*window

	bmu      sync.Mutex
	breakers map[key]*gobreaker.CircuitBreaker

	now   func() time.Time
	sleep func(time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock replaces the window clock and the retry sleeper. Tests use
// it to run the backoff schedule instantly.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// New builds a Client.
func New(log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: defaultTimeout + 5*time.Second},
		log:      log,
		windows:  make(map[key]*window),
		breakers: make(map[key]*gobreaker.CircuitBreaker),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type callCfg struct {
	weight  int64
	timeout time.Duration
}

// CallOption customizes one request.
type CallOption func(*callCfg)

// WithWeight declares the documented weight of the endpoint. The
// estimate is replaced by the server-reported header when the exchange
// sends one.
func WithWeight(w int64) CallOption {
	return func(c *callCfg) {
		if w > 0 {
			c.weight = w
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callCfg) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type httpResult struct {
	status int
	header http.Header
	body   []byte
}

// Get performs a rate-limited GET and returns the body of a 2xx
// response. 429 responses are retried on a capped backoff schedule;
// transport errors get a short retry. Any other status is returned as
// a *StatusError without retry.
func (c *Client) Get(ctx context.Context, exchange, kind, rawURL string, params url.Values, opts ...CallOption) ([]byte, http.Header, error) {
	return c.call(ctx, http.MethodGet, exchange, kind, rawURL, params, opts...)
}

// Post performs a rate-limited bodyless POST under the same retry and
// accounting rules as Get. Public token handshakes are the only POST
// endpoints the connectors touch.
func (c *Client) Post(ctx context.Context, exchange, kind, rawURL string, params url.Values, opts ...CallOption) ([]byte, http.Header, error) {
	return c.call(ctx, http.MethodPost, exchange, kind, rawURL, params, opts...)
}

func (c *Client) call(ctx context.Context, method, exchange, kind, rawURL string, params url.Values, opts ...CallOption) ([]byte, http.Header, error) {
	cfg := callCfg{weight: 1, timeout: defaultTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	fullURL := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		fullURL = rawURL + sep + params.Encode()
	}

	var (
		retries   int
		backoff   time.Duration
		lastErr   error
		transient int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("rest: %s: %w", fullURL, err)
		}
		c.waitForWindow(exchange, kind, cfg.weight)

		timer := metrics.NewTimer()
		res, err := c.do(ctx, method, exchange, kind, fullURL, cfg.timeout)
		timer.ObserveDuration(metrics.RestFetchDuration, exchange, kind)

		if err != nil {
			metrics.RestRequests.WithLabelValues(exchange, kind, "transport_error").Inc()
			if retries >= retryBudget {
				return nil, nil, fmt.Errorf("rest: %s: %w", fullURL, err)
			}
			wait := transportBackoff
			for i := 0; i < transient; i++ {
				wait = time.Duration(float64(wait) * backoffGrowth)
			}
			transient++
			retries++
			metrics.RestRetries.WithLabelValues(exchange, kind, "transport").Inc()
			c.log.Warn().Err(err).Str("exchange", exchange).Str("kind", kind).
				Dur("wait", wait).Msg("REST transport error, retrying")
			c.sleep(wait)
			continue
		}

		if res.status == http.StatusTooManyRequests {
			metrics.RestRequests.WithLabelValues(exchange, kind, "429").Inc()
			lastErr = &StatusError{Status: res.status, URL: fullURL, Body: truncate(res.body)}
			if retries >= retryBudget {
				return nil, nil, lastErr
			}
			if backoff == 0 {
				backoff = retryAfter(res.header)
			} else {
				backoff = time.Duration(float64(backoff) * backoffGrowth)
			}
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retries++
			metrics.RestRetries.WithLabelValues(exchange, kind, "429").Inc()
			c.log.Warn().Str("exchange", exchange).Str("kind", kind).
				Dur("backoff", backoff).Int("retry", retries).Msg("REST rate limited, backing off")
			c.sleep(backoff)
			continue
		}

		// The call reached the exchange, so it consumed budget whatever
		// the status was.
		c.account(exchange, kind, cfg.weight, res.header)

		if res.status/100 == 2 {
			metrics.RestRequests.WithLabelValues(exchange, kind, "ok").Inc()
			return res.body, res.header, nil
		}
		metrics.RestRequests.WithLabelValues(exchange, kind, strconv.Itoa(res.status)).Inc()
		return nil, nil, &StatusError{Status: res.status, URL: fullURL, Body: truncate(res.body)}
	}
}

func (c *Client) do(ctx context.Context, method, exchange, kind, fullURL string, timeout time.Duration) (*httpResult, error) {
	br := c.breaker(exchange, kind)
	res, err := br.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, fullURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return &httpResult{status: resp.StatusCode, header: resp.Header, body: body}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*httpResult), nil
}

func (c *Client) breaker(exchange, kind string) *gobreaker.CircuitBreaker {
	k := key{exchange, kind}
	c.bmu.Lock()
	defer c.bmu.Unlock()
	if br, ok := c.breakers[k]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        exchange + "/" + kind,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("REST circuit breaker state changed")
		},
	})
	c.breakers[k] = br
	return br
}

// waitForWindow blocks until the estimated weight fits the current 60s
// window, sleeping out the window remainder when it does not.
func (c *Client) waitForWindow(exchange, kind string, weight int64) {
	k := key{exchange, kind}
	limit := LimitFor(exchange).PerMinute
	for {
		c.mu.Lock()
		w := c.windows[k]
		if w == nil {
			w = &window{start: c.now()}
			c.windows[k] = w
		}
		now := c.now()
		if now.Sub(w.start) >= windowLength {
			w.start = now
			w.used = 0
		}
		if w.used+weight < limit {
			c.mu.Unlock()
			return
		}
		wait := windowLength - now.Sub(w.start)
		c.mu.Unlock()

		if wait <= 0 {
			continue
		}
		metrics.RestWaitDuration.WithLabelValues(exchange, kind).Observe(wait.Seconds())
		c.log.Debug().Str("exchange", exchange).Str("kind", kind).
			Dur("wait", wait).Msg("REST weight window exhausted, waiting")
		c.sleep(wait)
	}
}

// account adds the consumed weight to the current window. When the
// exchange reports its own counter the report wins, since it includes
// calls made by other processes sharing the IP.
func (c *Client) account(exchange, kind string, estimate int64, header http.Header) {
	k := key{exchange, kind}
	lim := LimitFor(exchange)

	add := estimate
	absolute := false
	if lim.WeightHeader != "" {
		if v := header.Get(lim.WeightHeader); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				add = n
				absolute = true
			}
		}
	}

	c.mu.Lock()
	w := c.windows[k]
	if w == nil {
		w = &window{start: c.now()}
		c.windows[k] = w
	}
	if absolute {
		w.used = add
	} else {
		w.used += add
	}
	used := w.used
	c.mu.Unlock()

	metrics.RestUsedWeight.WithLabelValues(exchange, kind).Set(float64(used))
}

// retryAfter reads the Retry-After header, defaulting and capping per
// the backoff policy.
func retryAfter(header http.Header) time.Duration {
	wait := defaultBackoff
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
