package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/actuator/pkg/schema"
)

// DefaultMaxResponseBody caps buffered bodies when Config leaves it unset.
const DefaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

const (
	defaultTimeout      = 30 * time.Second
	defaultChunkSize    = 32 * 1024
	defaultMaxRedirects = 10
)

// Config configures the shared outbound HTTP client.
type Config struct {
	Timeout             time.Duration     // per-request bound until the full body (or headers, when streaming)
	MaxResponseBody     int64             // largest body Send buffers or a capped drain accepts
	ChunkSize           int               // streaming read size
	RatePerSecond       float64           // per-host token bucket; 0 disables
	Burst               int               // bucket size, defaults to 1
	InsecureSkipVerify  bool              // accept self-signed certificates (e.g. local bridges)
	Headers             map[string]string // applied to every request unless overridden
	MaxIdleConnsPerHost int
}

// Request describes one outbound HTTP call.
type Request struct {
	Method           string
	URL              string
	Header           http.Header
	Body             []byte
	Timeout          time.Duration // overrides Config.Timeout when > 0
	AllowErrorStatus bool          // return status >= 400 as a Response instead of an error
	FollowRedirects  *bool         // default true
	MaxRedirects     int           // default 10
	TLSSkipVerify    bool
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Transport is the outbound call surface used by actions. *Client implements it;
// tests substitute counters or fakes.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
	SendStreaming(ctx context.Context, req Request) (*Stream, error)
}

// Client issues outbound requests over a shared, internally synchronized
// connection pool. Safe for concurrent use.
type Client struct {
	config   Config
	http     *http.Client
	insecure *http.Client

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	calls atomic.Int64
}

type redirectPolicyKey struct{}

type redirectPolicy struct {
	follow bool
	max    int
}

// NewClient creates a Client with defaults applied to zero-valued config fields.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = DefaultMaxResponseBody
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &Client{
		config:   cfg,
		http:     newHTTPClient(cfg, cfg.InsecureSkipVerify),
		insecure: newHTTPClient(cfg, true),
		limiters: make(map[string]*rate.Limiter),
	}
}

func newHTTPClient(cfg Config, skipVerify bool) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConnsPerHost > 0 {
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	if skipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per config/request
	}
	return &http.Client{
		Transport:     tr,
		CheckRedirect: checkRedirect,
	}
}

// checkRedirect applies the per-request redirect policy carried in the context.
func checkRedirect(req *http.Request, via []*http.Request) error {
	p, ok := req.Context().Value(redirectPolicyKey{}).(redirectPolicy)
	if !ok {
		p = redirectPolicy{follow: true, max: defaultMaxRedirects}
	}
	if !p.follow {
		return http.ErrUseLastResponse
	}
	if len(via) >= p.max {
		return fmt.Errorf("stopped after %d redirects", p.max)
	}
	return nil
}

// Calls returns how many requests reached the network layer.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

// Config returns the effective client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Send performs the request and buffers the whole body, bounded by MaxResponseBody.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	timeout := c.timeoutFor(req)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.do(reqCtx, req)
	if err != nil {
		return nil, classify(ctx, err, req)
	}
	defer resp.Body.Close()

	limit := c.config.MaxResponseBody
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classify(ctx, err, req)
	}
	tooLarge := int64(len(body)) > limit
	if tooLarge {
		body = body[:limit]
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	if resp.StatusCode >= 400 && !req.AllowErrorStatus {
		return out, statusError(req, resp.StatusCode, resp.Status, resp.Header, body)
	}
	if tooLarge {
		return nil, bodyTooLarge(req, limit).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return out, nil
}

// SendStreaming performs the request and returns once the response headers
// arrive. The timeout bounds header arrival only; the body is consumed lazily
// through the returned Stream, which the caller must drain or Close.
func (c *Client) SendStreaming(ctx context.Context, req Request) (*Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.timeoutFor(req), func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := c.do(reqCtx, req)
	stopped := timer.Stop()
	if err != nil {
		cancel()
		if !stopped && timedOut.Load() && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s %s: no response headers within %s",
				req.method(), req.URL, c.timeoutFor(req)).WithCause(err)
		}
		return nil, classify(ctx, err, req)
	}

	if resp.StatusCode >= 400 && !req.AllowErrorStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, statusError(req, resp.StatusCode, resp.Status, resp.Header, body)
	}

	return newStream(resp, cancel, c.config.ChunkSize), nil
}

func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", req.URL)
	}

	if lim := c.limiterFor(u.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	follow := true
	if req.FollowRedirects != nil {
		follow = *req.FollowRedirects
	}
	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	ctx = context.WithValue(ctx, redirectPolicyKey{}, redirectPolicy{follow: follow, max: maxRedirects})

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %v", err).WithCause(err)
	}
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	client := c.http
	if req.TLSSkipVerify {
		client = c.insecure
	}

	c.calls.Add(1)
	return client.Do(httpReq)
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	if c.config.RatePerSecond <= 0 {
		return nil
	}
	c.limMu.Lock()
	defer c.limMu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.config.RatePerSecond), c.config.Burst)
		c.limiters[host] = lim
	}
	return lim
}

func (c *Client) timeoutFor(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return c.config.Timeout
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

var _ Transport = (*Client)(nil)
