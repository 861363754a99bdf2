// Package transport issues JSON requests to the upstream APIs. It owns
// timeouts, retries, rate limiting and circuit breaking so that callers only
// see a status/body or a classified error.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/signer"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 10 * 1024 * 1024

// Request is an outgoing upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is JSON encoded when non-nil.
	Body any
}

// Response is a successful (2xx) upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer sends a Request. Implementations return ErrUpstreamUnavailable for
// transport errors and non-2xx statuses.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Config tunes a Client.
type Config struct {
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	RateLimit          float64 // requests per second, 0 disables
	RateBurst          int
	BreakerMaxFailures int // consecutive failures before opening, 0 disables
	BreakerTimeout     time.Duration
	UserAgent          string
}

// Client is the Doer used against one upstream.
type Client struct {
	source     string
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Collectors
}

// NewClient builds a client for the named upstream.
func NewClient(source string, cfg Config, collectors *metrics.Collectors) *Client {
	c := &Client{
		source: source,
		cfg:    cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics: collectors,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.BreakerMaxFailures > 0 {
		maxFailures := uint32(cfg.BreakerMaxFailures)
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        source,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				// Only upstream health trips the breaker, not bad requests.
				return err == nil || !retryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change",
					slog.String("source", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		})
	}

	return c
}

// WithTransport replaces the HTTP round tripper; used by tests.
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.httpClient.Transport = rt
	return c
}

// Source returns the upstream name.
func (c *Client) Source() string {
	return c.source
}

// Do sends req, retrying retryable failures with capped exponential backoff.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.IncRetries()
			if err := sleepContext(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, ErrUpstreamUnavailable{Source: c.source, Err: err}
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		label := ErrorTypeLabel(err)
		c.metrics.IncError(c.source, label)
		slog.Debug("upstream request failed",
			slog.String("source", c.source),
			slog.String("url", req.URL),
			slog.String("category", label),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)

		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req)
	})
	if err != nil {
		var upstream ErrUpstreamUnavailable
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, ErrUpstreamUnavailable{Source: c.source, Err: classifyError(err, 0)}
	}
	return out.(*Response), nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.ObserveDuration(c.source, time.Since(start))
	if err != nil {
		return nil, ErrUpstreamUnavailable{Source: c.source, Err: classifyError(err, 0)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, ErrUpstreamUnavailable{Source: c.source, StatusCode: resp.StatusCode, Err: classifyError(err, 0)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrUpstreamUnavailable{
			Source:     c.source,
			StatusCode: resp.StatusCode,
			Err:        classifyError(fmt.Errorf("http status %d: %s", resp.StatusCode, snippet(data)), resp.StatusCode),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := c.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := c.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// BuildURL joins base and path and appends query.
func BuildURL(base, path string, query url.Values) string {
	out := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}

// GetJSON signs and sends a GET to rawURL and decodes the body into out.
// Signer errors are returned unwrapped so callers can tell missing
// credentials apart from upstream failures.
func GetJSON(ctx context.Context, doer Doer, s signer.Signer, source, rawURL string, out any) error {
	auth, err := s.Authorize(http.MethodGet, rawURL)
	if err != nil {
		return err
	}

	resp, err := doer.Do(ctx, &Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Header: http.Header{"Authorization": []string{auth}},
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return ErrMalformedResponse{Source: source, Err: err}
	}
	return nil
}
