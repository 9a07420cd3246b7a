// Package api is the authenticated HTTP client for the HealthSense REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthsense/identity"
	"healthsense/metrics"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxRateLimitRetries bounds 429 handling: 1 send plus 3 retries.
	maxRateLimitRetries = 3
	rateLimitBaseDelay  = time.Second
	maxRetryAfter       = time.Minute

	defaultNetworkAttempts = 2
	defaultNetworkDelay    = time.Second

	userAgent = "healthsense-agent/1.0"
)

// Identity supplies bearer tokens for the signed-in user.
type Identity interface {
	CurrentUser() *identity.User
	Token(ctx context.Context, forceRefresh bool) (string, error)
	SignOut()
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

// Client sends requests to the API, attaching the user's ID token and
// recovering from expired tokens, rate limiting and dropped connections.
type Client struct {
	http     *resty.Client
	identity Identity
	logger   *zap.Logger
	sleep    Sleeper

	onAuthFailure func(error)

	networkAttempts int
	networkDelay    time.Duration
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithSleeper replaces the backoff wait, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithAuthFailureHandler is called after the user was signed out because a
// token refresh failed.
func WithAuthFailureHandler(fn func(error)) Option {
	return func(c *Client) { c.onAuthFailure = fn }
}

// WithNetworkRetry configures the retry applied once per request when no
// response was received.
func WithNetworkRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.networkAttempts = attempts
		c.networkDelay = delay
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// NewClient creates a client for baseURL. id may be nil for unauthenticated
// use.
func NewClient(baseURL string, id Identity, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", userAgent),
		identity:        id,
		logger:          zap.NewNop(),
		sleep:           sleepContext,
		networkAttempts: defaultNetworkAttempts,
		networkDelay:    defaultNetworkDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// requestState is the retry bookkeeping for one original request.
type requestState struct {
	authRetried    bool
	rateRetries    int
	networkRetried bool
	sends          int
}

// Do sends req and decodes a successful JSON response into dest (if non-nil).
func (c *Client) Do(ctx context.Context, req Request, dest any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	return c.execute(ctx, req, dest, &requestState{})
}

func (c *Client) execute(ctx context.Context, req Request, dest any, st *requestState) error {
	err := c.send(ctx, req, dest, st)
	if err == nil {
		return nil
	}

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.Status == http.StatusUnauthorized && !st.authRetried && c.signedIn():
		st.authRetried = true
		if _, rerr := c.identity.Token(ctx, true); rerr != nil {
			return c.authFailed(req, rerr)
		}
		metrics.RecordRetry("unauthorized")
		return c.execute(ctx, req, dest, st)

	case apiErr.Status == http.StatusTooManyRequests && st.rateRetries < maxRateLimitRetries:
		st.rateRetries++
		delay := rateLimitBaseDelay << st.rateRetries
		if apiErr.RetryAfter > 0 {
			delay = min(apiErr.RetryAfter, maxRetryAfter)
		}
		c.logger.Warn("Rate limited, backing off",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("retry", st.rateRetries),
			zap.Duration("delay", delay))
		metrics.RecordRetry("rate_limited")
		if serr := c.sleep(ctx, delay); serr != nil {
			return err
		}
		return c.execute(ctx, req, dest, st)

	case apiErr.Status == 0 && !st.networkRetried:
		st.networkRetried = true
		metrics.RecordRetry(string(apiErr.Kind))
		return Retry(ctx, c.networkAttempts, c.networkDelay, c.sleep, func(ctx context.Context) error {
			return c.execute(ctx, req, dest, st)
		})
	}
	return err
}

func (c *Client) signedIn() bool {
	return c.identity != nil && c.identity.CurrentUser() != nil
}

// authFailed ends the session after a failed forced refresh.
func (c *Client) authFailed(req Request, refreshErr error) error {
	c.logger.Error("Token refresh failed, signing out",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Error(refreshErr))
	c.identity.SignOut()
	if c.onAuthFailure != nil {
		c.onAuthFailure(refreshErr)
	}
	return &Error{
		Kind:   KindAuth,
		Status: http.StatusUnauthorized,
		Method: req.Method,
		Path:   req.Path,
		Err:    refreshErr,
	}
}

// send performs a single HTTP exchange.
func (c *Client) send(ctx context.Context, req Request, dest any, st *requestState) error {
	st.sends++
	requestID := uuid.NewString()

	r := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	// A missing token is not fatal here; the server answers 401.
	if c.signedIn() {
		token, err := c.identity.Token(ctx, false)
		if err != nil {
			c.logger.Warn("Could not get ID token, sending without it",
				zap.String("path", req.Path),
				zap.Error(err))
		} else {
			r.SetAuthToken(token)
		}
	}

	start := time.Now()
	resp, err := r.Execute(req.Method, req.Path)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
		}
		kind := kindForTransport(err)
		metrics.RecordAPIRequest(req.Method, 0, elapsed)
		c.logger.Warn("API request failed",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.String("kind", string(kind)),
			zap.Int("attempt", st.sends),
			zap.Duration("duration", elapsed),
			zap.String("request_id", requestID),
			zap.Error(err))
		return &Error{Kind: kind, Method: req.Method, Path: req.Path, Err: err}
	}

	status := resp.StatusCode()
	metrics.RecordAPIRequest(req.Method, status, elapsed)

	if resp.IsError() {
		apiErr := &Error{
			Kind:   kindForStatus(status),
			Status: status,
			Method: req.Method,
			Path:   req.Path,
			Detail: parseDetail(resp.Body()),
		}
		if status == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
		}
		c.logger.Warn("API request returned error status",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("status", status),
			zap.Int("attempt", st.sends),
			zap.Duration("duration", elapsed),
			zap.String("request_id", requestID),
			zap.String("detail", apiErr.Detail))
		return apiErr
	}

	c.logger.Debug("API request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", status),
		zap.Int("attempt", st.sends),
		zap.Duration("duration", elapsed),
		zap.String("request_id", requestID))

	if dest == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), dest); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.Path, err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
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
