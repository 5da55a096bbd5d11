// Package transport issues authenticated JSON requests against the cellar API
// and turns every outcome into data or a typed failure.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/cellarsync/cache"
	"github.com/briangreenhill/cellarsync/credential"
	"github.com/briangreenhill/cellarsync/internal/metrics"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "cellarsync/1"
)

type Client struct {
	http      *http.Client
	baseURL   *url.URL
	creds     credential.Source
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	httpCache httpcache.Cache
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCredentials attaches the credential from src to every request.
func WithCredentials(src credential.Source) Option {
	return func(c *Client) { c.creds = src }
}

// WithTimeout sets the default per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPCache puts an in-memory RFC 7234 cache below the client so
// responses carrying ETag or Cache-Control are revalidated instead of
// re-downloaded.
func WithHTTPCache() Option {
	return func(c *Client) { c.httpCache = httpcache.NewMemoryCache() }
}

// WithHTTPCacheStore is WithHTTPCache backed by store, such as a
// cache.FileCache.
func WithHTTPCacheStore(store httpcache.Cache) Option {
	return func(c *Client) { c.httpCache = store }
}

// New returns a client for the API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, cache.Invalid("transport.New", "base url %q must be absolute", baseURL)
	}
	c := &Client{
		http:      http.DefaultClient,
		baseURL:   u,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpCache != nil {
		t := httpcache.NewTransport(c.httpCache)
		t.MarkCachedResponses = true
		if c.http.Transport != nil {
			t.Transport = c.http.Transport
		}
		c.http = &http.Client{Transport: t, Timeout: c.http.Timeout}
	}
	return c, nil
}

// BaseURL returns a copy of the configured base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Request is one logical API call.
type Request struct {
	Method string
	Path   string
	// Query values must be primitives; nil and "" are dropped.
	Query map[string]any
	// Body is JSON-encoded and sent for non-GET requests only.
	Body any
	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// Response is a 2xx result. Data is nil for 204 and empty bodies.
type Response struct {
	StatusCode int
	Header     http.Header
	Data       json.RawMessage
	FromCache  bool
}

// Do performs req. Non-2xx statuses return *APIError, failures without a
// response return *NetworkError. Invalid input returns *cache.ValidationError
// before any I/O.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	op := method + " " + req.Path

	httpReq, err := c.newReq(ctx, method, req)
	if err != nil {
		return nil, err
	}

	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		nerr := classify(op, err)
		c.observe(method, req.Path, 0, start, nerr)
		return nil, nerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		nerr := classify(op, err)
		c.observe(method, req.Path, resp.StatusCode, start, nerr)
		return nil, nerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		c.observe(method, req.Path, resp.StatusCode, start, apiErr)
		return nil, apiErr
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FromCache:  resp.Header.Get(httpcache.XFromCache) == "1",
	}
	if resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			err := fmt.Errorf("%s: response is not valid JSON", op)
			c.observe(method, req.Path, resp.StatusCode, start, err)
			return nil, err
		}
		out.Data = json.RawMessage(body)
	}
	c.observe(method, req.Path, resp.StatusCode, start, nil)
	return out, nil
}

func (c *Client) newReq(ctx context.Context, method string, req Request) (*http.Request, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, cache.Invalid("transport.Do", "path is empty")
	}

	u := *c.baseURL
	p, rawQuery, _ := strings.Cut(req.Path, "?")
	// p is already escaped; segments like url.PathEscape(id) must survive.
	escaped := path.Join(u.EscapedPath(), p)
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, cache.Invalid("transport.Do", "path: %v", err)
	}
	u.Path, u.RawPath = decoded, escaped
	qq, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, cache.Invalid("transport.Do", "path query: %v", err)
	}
	for k, v := range req.Query {
		s, keep, err := cache.FormatParam(v)
		if err != nil {
			return nil, cache.Invalid("transport.Do", "query %q: %v", k, err)
		}
		if keep {
			qq.Set(k, s)
		}
	}
	u.RawQuery = qq.Encode()

	var body io.Reader
	if method != http.MethodGet && req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, cache.Invalid("transport.Do", "encode body: %v", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.creds != nil {
		tok, err := c.creds.Credential(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: read credential: %w", err)
		}
		if tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return httpReq, nil
}

func parseAPIError(code int, body []byte) *APIError {
	e := &APIError{StatusCode: code, Message: defaultMessage(code)}
	if !json.Valid(body) {
		return e
	}
	e.Data = json.RawMessage(body)
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		e.Message = payload.Message
	}
	return e
}

func (c *Client) observe(method, p string, status int, start time.Time, err error) {
	d := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	c.metrics.ObserveRequest(method, outcome, d)

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("method", method).
		Str("path", p).
		Int("status", status).
		Dur("duration", d).
		Msg("api request")
}

// Get performs a GET and returns the raw JSON body.
func (c *Client) Get(ctx context.Context, p string, query map[string]any) (json.RawMessage, error) {
	return c.data(ctx, Request{Method: http.MethodGet, Path: p, Query: query})
}

func (c *Client) Post(ctx context.Context, p string, body any) (json.RawMessage, error) {
	return c.data(ctx, Request{Method: http.MethodPost, Path: p, Body: body})
}

func (c *Client) Put(ctx context.Context, p string, body any) (json.RawMessage, error) {
	return c.data(ctx, Request{Method: http.MethodPut, Path: p, Body: body})
}

func (c *Client) Delete(ctx context.Context, p string) (json.RawMessage, error) {
	return c.data(ctx, Request{Method: http.MethodDelete, Path: p})
}

// Fetch performs a GET for a cache key, sending the key's canonical
// parameters.
func (c *Client) Fetch(ctx context.Context, key cache.Key) (json.RawMessage, error) {
	if key == "" {
		return nil, cache.Invalid("transport.Fetch", "key is empty")
	}
	return c.Get(ctx, string(key), nil)
}

func (c *Client) data(ctx context.Context, req Request) (json.RawMessage, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// DecodeJSON unmarshals raw into v. A nil raw leaves v untouched.
func DecodeJSON(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
