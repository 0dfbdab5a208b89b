// Package platform implements model.Platform against the host platform's
// OData Web API.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/config"
	"github.com/pitabwire/bpfstage/internal/validate"
	"github.com/pitabwire/bpfstage/model"
)

// Operation labels used in logs and metrics.
const (
	OpQuery      = "query"
	OpMetadata   = "metadata"
	OpActivePath = "active_path"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Recorder receives per-attempt platform metrics.
type Recorder interface {
	RecordPlatformRequest(operation string, status int, duration time.Duration)
	RecordPlatformRetry(operation string)
	SetPlatformCircuitBreakerState(state float64)
}

// StatusError is a non-success HTTP response from the platform.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform: %s returned %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform: %s returned %d", e.Operation, e.StatusCode)
}

// Client is the Web API implementation of model.Platform. Every call runs
// through the circuit breaker and is retried with exponential backoff on
// transient failures.
type Client struct {
	serviceRoot string
	token       string
	entitySets  map[string]string
	retry       config.RetryConfig

	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     *zap.Logger
	recorder   Recorder
}

var _ model.Platform = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRecorder reports request metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the Web API described by cfg.
func NewClient(cfg config.PlatformConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("platform: invalid base URL %q", cfg.BaseURL)
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v9.2"
	}

	c := &Client{
		serviceRoot: strings.TrimRight(cfg.BaseURL, "/") + "/api/data/" + version,
		token:       cfg.Token,
		entitySets:  cfg.EntitySets,
		retry:       cfg.Retry,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		c.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		}
	}

	var breakerOpts []BreakerOption
	if c.recorder != nil {
		rec := c.recorder
		breakerOpts = append(breakerOpts, OnStateChange(func(s BreakerState) {
			rec.SetPlatformCircuitBreakerState(float64(s))
		}))
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, breakerOpts...)

	return c, nil
}

// Query retrieves the records of entityName matching q.
func (c *Client) Query(ctx context.Context, entityName string, q model.Query) ([]model.Record, error) {
	if err := validate.EntityName(entityName); err != nil {
		return nil, err
	}
	u := c.serviceRoot + "/" + EntitySetName(entityName, c.entitySets)
	if qs := encodeQuery(q); qs != "" {
		u += "?" + qs
	}

	var payload struct {
		Value []model.Record `json:"value"`
	}
	if err := c.getJSON(ctx, OpQuery, u, &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// GetMetadataRecord retrieves the record at path, relative to the service
// root. path may carry its own query options.
func (c *Client) GetMetadataRecord(ctx context.Context, path string) (model.Record, error) {
	var rec model.Record
	if err := c.getJSON(ctx, OpMetadata, c.serviceRoot+"/"+strings.TrimLeft(path, "/"), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RetrieveActivePath calls the RetrieveActivePath function for one process
// instance and returns its stage entries.
func (c *Client) RetrieveActivePath(ctx context.Context, instanceID string) ([]model.Record, error) {
	id, ok := validate.NormalizeGUID(instanceID)
	if !ok {
		return nil, validate.GUID("instanceId", instanceID)
	}

	var payload struct {
		Value []model.Record `json:"value"`
	}
	u := c.serviceRoot + "/RetrieveActivePath(ProcessInstanceId=" + id + ")"
	if err := c.getJSON(ctx, OpActivePath, u, &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	body, err := c.getWithRetry(ctx, op, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewFetchFailedError(fmt.Sprintf("platform %s returned an unreadable body", op), err)
	}
	return nil
}

// getWithRetry wraps executeOnce with exponential backoff. Errors wrapped in
// backoff.Permanent stop the loop immediately.
func (c *Client) getWithRetry(ctx context.Context, op, u string) ([]byte, error) {
	var body []byte
	attempt := 0

	operation := func() error {
		attempt++
		b, err := c.executeOnce(ctx, op, u)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("platform: retrying after error",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if c.recorder != nil {
			c.recorder.RecordPlatformRetry(op)
		}
	}

	if err := backoff.RetryNotify(operation, c.backoffPolicy(ctx), notify); err != nil {
		return nil, classify(op, err)
	}
	return body, nil
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.BackoffInitial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.Multiplier = c.retry.BackoffMultiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	b.MaxInterval = c.retry.BackoffMax
	if b.MaxInterval <= 0 {
		b.MaxInterval = 2 * time.Second
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// executeOnce performs a single GET with circuit breaker protection.
func (c *Client) executeOnce(ctx context.Context, op, u string) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, backoff.Permanent(model.NewBackendUnavailableError(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("platform: build request: %w", err))
	}
	c.setHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(op, 0, start)
		if ctx.Err() != nil {
			// The caller gave up; the platform is not at fault.
			return nil, backoff.Permanent(ctx.Err())
		}
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("platform: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.record(op, resp.StatusCode, start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("platform: read %s response: %w", op, err)
	}

	c.logger.Debug("platform: request completed",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		se := &StatusError{Operation: op, StatusCode: resp.StatusCode, Message: errorMessage(body)}
		if isRetryableStatus(resp.StatusCode) {
			return nil, se
		}
		return nil, backoff.Permanent(se)
	case resp.StatusCode >= 400:
		// Client errors say nothing about platform health.
		return nil, backoff.Permanent(&StatusError{Operation: op, StatusCode: resp.StatusCode, Message: errorMessage(body)})
	}

	c.breaker.RecordSuccess()
	return body, nil
}

func (c *Client) setHeaders(ctx context.Context, h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("OData-MaxVersion", "4.0")
	h.Set("OData-Version", "4.0")

	token := c.token
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.Token != "" {
			token = rctx.Token
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(token))
	}
}

func (c *Client) record(op string, status int, start time.Time) {
	if c.recorder != nil {
		c.recorder.RecordPlatformRequest(op, status, time.Since(start))
	}
}

// encodeQuery renders the OData system query options of q.
func encodeQuery(q model.Query) string {
	v := url.Values{}
	if len(q.Select) > 0 {
		v.Set("$select", strings.Join(q.Select, ","))
	}
	if q.Filter != "" {
		v.Set("$filter", q.Filter)
	}
	if q.OrderBy != "" {
		v.Set("$orderby", q.OrderBy)
	}
	if q.Top > 0 {
		v.Set("$top", strconv.Itoa(q.Top))
	}
	return v.Encode()
}

// classify maps the final error of a retried call onto the error taxonomy.
func classify(op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return model.NewCancelledError()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewBackendTimeoutError()
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized:
			return model.NewUnauthorizedError("the platform rejected the credentials")
		case http.StatusForbidden:
			return model.NewForbiddenError("insufficient privileges to read process flow data")
		case http.StatusNotFound:
			return model.NewNotFoundError(fmt.Sprintf("platform %s target not found", op))
		case http.StatusTooManyRequests:
			return model.NewRateLimitedError()
		}
		return model.NewFetchFailedError(fmt.Sprintf("platform %s failed", op), se)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError()
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError(err)
	}
	return model.NewFetchFailedError(fmt.Sprintf("platform %s failed", op), err)
}

// errorMessage extracts error.message from an OData error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error.Message
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
