package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-secure-gateway/audit"
	"github.com/jrsteele09/go-secure-gateway/bulkhead"
	"github.com/jrsteele09/go-secure-gateway/cache"
	"github.com/jrsteele09/go-secure-gateway/circuit"
	"github.com/jrsteele09/go-secure-gateway/csrf"
	"github.com/jrsteele09/go-secure-gateway/dedupe"
	"github.com/jrsteele09/go-secure-gateway/internal/errors"
	"github.com/jrsteele09/go-secure-gateway/internal/obs"
	"github.com/jrsteele09/go-secure-gateway/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultMaxResponseBytes = 10 << 20

// Request is a logical API call. Path is relative to the backend base URL and may
// carry a query string.
type Request struct {
	Method   string
	Path     string
	Header   http.Header
	Body     []byte
	Priority int
}

// Response is the upstream answer. Responses shared between deduplicated callers
// share the Body slice, so treat it as read-only.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	Shared     bool
}

// CachedResponse is the cached form of a successful read.
type CachedResponse struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

// Gateway mediates every call to the backend.
type Gateway struct {
	baseURL   *url.URL
	policies  *Policies
	tokens    *token.Store
	breakers  *circuit.Registry
	bulkheads *bulkhead.Registry

	client    *http.Client
	refresher *token.Refresher
	csrf      *csrf.Guard
	cache     *cache.Manager[CachedResponse]
	audit     *audit.Pipeline
	maxBytes  int64
	logger    zerolog.Logger

	inflight dedupe.Group[*Response]
}

type Option func(*Gateway)

func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithRefresher refreshes tokens close to expiry before they are attached.
func WithRefresher(r *token.Refresher) Option {
	return func(g *Gateway) {
		g.refresher = r
	}
}

func WithCSRF(guard *csrf.Guard) Option {
	return func(g *Gateway) {
		g.csrf = guard
	}
}

func WithCache(c *cache.Manager[CachedResponse]) Option {
	return func(g *Gateway) {
		g.cache = c
	}
}

func WithAudit(p *audit.Pipeline) Option {
	return func(g *Gateway) {
		g.audit = p
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(g *Gateway) {
		g.maxBytes = n
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func New(baseURL string, policies *Policies, tokens *token.Store, breakers *circuit.Registry, bulkheads *bulkhead.Registry, options ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "gateway.New Parse")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "gateway: base url %q", baseURL)
	}

	g := &Gateway{
		baseURL:   u,
		policies:  policies,
		tokens:    tokens,
		breakers:  breakers,
		bulkheads: bulkheads,
		client:    http.DefaultClient,
		maxBytes:  DefaultMaxResponseBytes,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// Do sends req through deduplication, admission control, the circuit breaker, the
// cache, credential injection and auditing, in that order.
func (g *Gateway) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	call := &call{method: method, req: req, route: g.policies.Match(method, pathOf(req.Path))}

	sig := dedupe.Signature(method, req.Path, req.Body)
	resp, shared, err := g.inflight.Do(ctx, sig, func(ctx context.Context) (*Response, error) {
		return g.execute(ctx, call)
	})
	if resp == nil {
		return nil, err
	}
	cp := *resp
	cp.Shared = shared
	return &cp, err
}

type call struct {
	method string
	req    *Request
	route  Route
	tok    *token.Token
	status int
	cached bool
}

func (c *call) cacheKey() string { return c.method + " " + c.req.Path }

func (c *call) cacheable() bool { return c.method == http.MethodGet && c.route.Cacheable }

func (g *Gateway) execute(ctx context.Context, c *call) (resp *Response, err error) {
	handle, err := g.bulkheads.Bulkhead(c.route.Class).Acquire(ctx, c.req.Priority)
	if err != nil {
		g.record(c, err)
		return nil, err
	}
	defer handle.Release()
	defer func() { g.record(c, err) }()

	breaker := g.breakers.Breaker(c.route.EndpointKey(c.method), c.route.Class)
	if err := breaker.Check(); err != nil {
		return nil, err
	}

	if c.cacheable() && g.cache != nil {
		if v, ok := g.cache.Get(c.cacheKey()); ok {
			// Cached regulated data is only served to a live session.
			if c.route.Regulated {
				if c.tok, err = g.tokens.Get(ctx); err != nil {
					return nil, err
				}
			}
			c.cached = true
			c.status = v.StatusCode
			return &Response{StatusCode: v.StatusCode, Header: v.Header.Clone(), Body: v.Body, FromCache: true}, nil
		}
	}

	header := c.req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if c.tok, err = g.credentials(ctx); err != nil {
		return nil, err
	}
	header.Set("Authorization", "Bearer "+c.tok.AccessToken)
	if g.csrf != nil {
		g.csrf.Inject(ctx, header, c.method)
	}

	var httpErr *HTTPError
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		r, sendErr := g.send(ctx, c, header)
		if sendErr != nil {
			return sendErr
		}
		c.status = r.StatusCode
		if r.StatusCode >= 400 {
			httpErr = &HTTPError{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body}
			if tripsCircuit(r.StatusCode) {
				return httpErr
			}
			return nil
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if httpErr != nil {
		return nil, g.clientError(ctx, c, httpErr)
	}

	g.afterSuccess(c, resp)
	return resp, nil
}

func (g *Gateway) credentials(ctx context.Context) (*token.Token, error) {
	if g.refresher != nil {
		return g.refresher.Ensure(ctx)
	}
	return g.tokens.Get(ctx)
}

func (g *Gateway) send(ctx context.Context, c *call, header http.Header) (*Response, error) {
	rel, err := url.Parse(c.req.Path)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway.send Parse")
	}
	target := *g.baseURL
	target.Path = strings.TrimSuffix(g.baseURL.Path, "/") + "/" + strings.TrimPrefix(rel.Path, "/")
	target.RawQuery = rel.RawQuery

	var body io.Reader
	if len(c.req.Body) > 0 {
		body = bytes.NewReader(c.req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, c.method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "Gateway.send NewRequest")
	}
	httpReq.Header = header

	endpoint := c.route.EndpointKey(c.method)
	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		obs.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, errors.Wrap(err, "Gateway.send Do")
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, g.maxBytes))
	obs.UpstreamDuration.WithLabelValues(endpoint, strconv.Itoa(httpResp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "Gateway.send ReadAll")
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: payload}, nil
}

// clientError applies the side effects of a 4xx answer.
func (g *Gateway) clientError(ctx context.Context, c *call, httpErr *HTTPError) error {
	switch httpErr.StatusCode {
	case http.StatusUnauthorized:
		if err := g.tokens.Clear(ctx); err != nil {
			g.logger.Err(err).Msg("failed to clear rejected token")
		}
		return fmt.Errorf("%w: %w", token.ErrAuthExpired, httpErr)
	case http.StatusForbidden:
		if g.csrf != nil && csrf.ShouldInject(c.method) {
			g.csrf.Invalidate()
		}
	}
	return httpErr
}

func (g *Gateway) afterSuccess(c *call, resp *Response) {
	if g.cache == nil {
		return
	}
	if c.cacheable() && resp.StatusCode == http.StatusOK {
		opts := []cache.SetOption{cache.WithTags(c.route.Tags...)}
		if c.route.TTL > 0 {
			opts = append(opts, cache.WithTTL(c.route.TTL))
		}
		if c.route.Regulated {
			opts = append(opts, cache.WithNoPersist())
		}
		g.cache.Set(c.cacheKey(), CachedResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: resp.Body}, opts...)
		return
	}
	if csrf.ShouldInject(c.method) {
		for _, tag := range c.route.Invalidates {
			if n := g.cache.InvalidateTag(tag); n > 0 {
				g.logger.Debug().Str("tag", tag).Int("entries", n).Msg("invalidated cache tag")
			}
		}
	}
}

// pathOf strips the query from a request path.
func pathOf(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}
