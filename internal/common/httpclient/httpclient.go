// Package httpclient provides the transport envelope client used by every
// list view and session call. It issues JSON requests, decodes the uniform
// {err, dat} envelope, classifies failures and raises the side effects each
// failure class carries: a notice for transport and application errors, and
// session invalidation plus a redirect to the login surface for an
// unauthorized envelope.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/logtrace"
	"github.com/tansive/console/internal/common/uuid"
	"github.com/tansive/console/internal/notify"
	"github.com/tansive/console/internal/query"
)

// RequestIDHeader carries the id generated for each outgoing request.
const RequestIDHeader = "X-Console-Request-ID"

// DefaultLoginPath is where the client navigates on session expiry.
const DefaultLoginPath = "/login"

// Configurator provides the server location and the bearer token.
type Configurator interface {
	GetServerURL() string
	GetToken() string
}

// Notifier receives user-facing failure messages.
type Notifier interface {
	Push(message string) notify.Handle
}

// Invalidator clears the session when the server reports it expired.
type Invalidator interface {
	Invalidate()
}

// Navigator moves the host to another surface, such as the login page.
type Navigator interface {
	Navigate(path string)
}

// RequestOptions describes one call. Only Path is required; Method defaults
// to GET.
type RequestOptions struct {
	Method         string            // HTTP method (GET, POST, PUT, DELETE)
	Path           string            // path relative to the server URL, or an absolute URL
	Query          query.Query       // query parameters, nil values omitted
	Body           any               // []byte and string are sent as is, anything else is JSON encoded
	Headers        map[string]string // extra headers; Content-Type is always application/json
	SuppressNotice bool              // skip the notice for an application error
}

// HTTPClient sends requests to the console backend. It is safe for
// concurrent use.
type HTTPClient struct {
	config     Configurator
	httpClient *http.Client
	logger     zerolog.Logger
	loginPath  string

	attempts   uint
	retryDelay time.Duration

	// base is cancelled by Shutdown; every request context is derived from
	// both the caller's context and base.
	base       context.Context
	cancelBase context.CancelFunc

	mu          sync.RWMutex
	notifier    Notifier
	invalidator Invalidator
	navigator   Navigator

	requests *prometheus.CounterVec
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithNotifier sets where transport and application failures are announced.
func WithNotifier(n Notifier) Option {
	return func(c *HTTPClient) {
		c.notifier = n
	}
}

// WithNavigator sets the navigator used on session expiry.
func WithNavigator(n Navigator) Option {
	return func(c *HTTPClient) {
		c.navigator = n
	}
}

// WithLoginPath sets the path passed to the navigator on session expiry.
func WithLoginPath(p string) Option {
	return func(c *HTTPClient) {
		if p != "" {
			c.loginPath = p
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// WithRetry retries requests that received no response at all, up to
// attempts tries in total, with exponential back-off starting at delay.
// Status and envelope failures are never retried.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *HTTPClient) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.retryDelay = delay
	}
}

// WithBaseContext sets the application-lifetime context. Cancelling it has
// the same effect as Shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(c *HTTPClient) {
		c.base, c.cancelBase = context.WithCancel(ctx)
	}
}

// WithRegisterer exports console_client_requests_total{outcome} on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *HTTPClient) {
		c.requests = newRequestCounter(reg)
	}
}

// NewClient creates a client for the server described by config.
func NewClient(config Configurator, opts ...Option) *HTTPClient {
	hc := &http.Client{
		// 3xx is a transport failure, not something to follow
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	c := &HTTPClient{
		config:     config,
		httpClient: hc,
		logger:     log.Logger,
		loginPath:  DefaultLoginPath,
		attempts:   1,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.base == nil {
		c.base, c.cancelBase = context.WithCancel(context.Background())
	}
	return c
}

// SetInvalidator installs the session invalidator. The session store is
// usually built on top of the client, so it registers itself afterwards.
func (c *HTTPClient) SetInvalidator(inv Invalidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidator = inv
}

// SetNotifier replaces the notifier.
func (c *HTTPClient) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// SetNavigator replaces the navigator.
func (c *HTTPClient) SetNavigator(n Navigator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navigator = n
}

// Shutdown aborts every in-flight request. Requests sent afterwards fail
// immediately with ErrNetwork.
func (c *HTTPClient) Shutdown() {
	c.cancelBase()
}

// Get sends a GET request for path with the given query.
func (c *HTTPClient) Get(ctx context.Context, path string, q query.Query) (*Result, error) {
	return c.Send(ctx, RequestOptions{Method: http.MethodGet, Path: path, Query: q})
}

// Post sends a POST request for path with a JSON body.
func (c *HTTPClient) Post(ctx context.Context, path string, body any) (*Result, error) {
	return c.Send(ctx, RequestOptions{Method: http.MethodPost, Path: path, Body: body})
}

// Send performs the request described by opts and classifies the outcome:
//
//  1. a status outside [200, 300) pushes a notice with the status text and
//     fails with ErrTransport;
//  2. an envelope err of "unauthorized" invalidates the session, navigates to
//     the login path and fails with ErrUnauthorized, without a notice;
//  3. any other non-empty err pushes a notice (unless opts.SuppressNotice) and
//     fails with ErrApplication carrying err as message;
//  4. otherwise the dat payload is returned as a Result.
//
// Cancelling ctx aborts only this request.
func (c *HTTPClient) Send(ctx context.Context, opts RequestOptions) (*Result, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	requestID := logtrace.RequestIdFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewRequestId()
	}
	logger := c.logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", opts.Path).
		Logger()

	req, err := c.newRequest(ctx, method, requestID, opts)
	if err != nil {
		c.count(outcomeInvalid)
		return nil, err
	}

	start := time.Now()
	status, body, err := c.do(ctx, req)
	if err != nil {
		c.count(outcomeNetwork)
		if ctx.Err() != nil {
			logger.Debug().Err(ctx.Err()).Msg("request cancelled")
			return nil, ErrNetwork.MsgErr("request cancelled", ctx.Err())
		}
		logger.Error().Err(err).Msg("request failed")
		c.notify(fmt.Sprintf("Network error: %s", err.Error()))
		return nil, ErrNetwork.Err(err)
	}
	logger = logger.With().Int("status", status).Str("duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds())).Logger()

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		text := http.StatusText(status)
		if text == "" {
			text = fmt.Sprintf("HTTP %d", status)
		}
		logger.Warn().Msg("unexpected status")
		c.count(outcomeTransport)
		c.notify(text)
		return nil, ErrTransport.New(text).SetStatusCode(status)
	}

	env, err := parseEnvelope(body)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable response")
		c.count(outcomeDecode)
		c.notify(err.Error())
		return nil, err
	}

	switch {
	case env.Err == Unauthorized:
		logger.Info().Msg("session expired")
		c.count(outcomeUnauthorized)
		c.expireSession()
		return nil, ErrUnauthorized.New(Unauthorized)
	case env.Err != "":
		logger.Info().Str("err", env.Err).Msg("application error")
		c.count(outcomeApplication)
		if !opts.SuppressNotice {
			c.notify(env.Err)
		}
		return nil, ErrApplication.New(env.Err)
	}

	result, err := newResult(env.Dat)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable payload")
		c.count(outcomeDecode)
		c.notify(err.Error())
		return nil, err
	}
	logger.Debug().Str("shape", result.Shape.String()).Int("records", len(result.Records)).Msg("request completed")
	c.count(outcomeOK)
	return result, nil
}

// requestContext derives a context cancelled by either ctx or the client's
// base context.
func (c *HTTPClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	if c.base.Err() != nil {
		cancel()
	}
	stop := context.AfterFunc(c.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, requestID string, opts RequestOptions) (*http.Request, error) {
	u, err := c.resolveURL(opts.Path)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, vs := range opts.Query.Values() {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, ErrInvalidRequest.Err(err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if token := c.config.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) resolveURL(p string) (*url.URL, error) {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		u, err := url.Parse(p)
		if err != nil {
			return nil, ErrInvalidRequest.Err(err)
		}
		return u, nil
	}
	u, err := url.Parse(c.config.GetServerURL())
	if err != nil {
		return nil, ErrInvalidRequest.MsgErr("invalid server URL", err)
	}
	rel, err := url.Parse(p)
	if err != nil {
		return nil, ErrInvalidRequest.Err(err)
	}
	u.Path = path.Join("/", u.Path, rel.Path)
	u.RawQuery = rel.RawQuery
	return u, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, ErrInvalidRequest.MsgErr("unable to encode request body", err)
		}
		return data, nil
	}
}

// do executes req, retrying when no response was received.
func (c *HTTPClient) do(ctx context.Context, req *http.Request) (int, []byte, error) {
	var status int
	var body []byte
	err := retry.Do(func() error {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			b, err := req.GetBody()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			attempt.Body = b
		}
		resp, err := c.httpClient.Do(attempt)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status, body = resp.StatusCode, data
		return nil
	},
		retry.Attempts(c.attempts),
		retry.Context(ctx),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug().Uint("attempt", n+1).Err(err).Msg("retrying request")
		}),
	)
	return status, body, err
}

func (c *HTTPClient) notify(message string) {
	c.mu.RLock()
	n := c.notifier
	c.mu.RUnlock()
	if n != nil {
		n.Push(message)
	}
}

func (c *HTTPClient) expireSession() {
	c.mu.RLock()
	inv, nav := c.invalidator, c.navigator
	c.mu.RUnlock()
	if inv != nil {
		inv.Invalidate()
	}
	if nav != nil {
		nav.Navigate(c.loginPath)
	}
}
