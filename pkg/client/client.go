// Package client provides the HTTP client for the workers API with mutual
// TLS, rate limiting, retry and error classification.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_api_requests_total",
		Help: "Total workers API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_api_request_duration_seconds",
		Help:    "Workers API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_api_errors_total",
		Help: "Total workers API errors by class",
	}, []string{"class"})

	malformedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_api_malformed_responses_total",
		Help: "Successful responses whose body could not be decoded, by endpoint",
	}, []string{"endpoint"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local rate limit blocks.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassSecureChannel represents TLS handshake and record errors.
	ErrorClassSecureChannel ErrorClass = "secure_channel"
)

// RateLimiter gates requests and learns from response headers.
// *ratelimit.Tracker satisfies it.
type RateLimiter interface {
	ShouldAllowRequest(ctx context.Context) (bool, error)
	UpdateFromHeaders(ctx context.Context, headers http.Header) error
}

// Client is the workers API client.
type Client struct {
	httpClient  *http.Client
	rateLimiter RateLimiter
	retryConfig func(ErrorClass) RetryConfig
	selectPath  string
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// AuthURL is the OAuth2 client-credentials token endpoint.
	AuthURL string

	// SelectURL is the workers collection endpoint. Single workers live
	// at SelectURL/{id}.
	SelectURL string

	// BaseSelect is the $select expression for base pages.
	BaseSelect string

	// CustomSelect is the $select expression for per-worker attributes.
	CustomSelect string

	// IDField is the gjson path of the worker id within a base item.
	IDField string

	// BaseColumns renames flattened base columns; "remove" drops a column.
	BaseColumns map[string]string

	// ClientID and ClientSecret are the OAuth2 client credentials.
	ClientID     string
	ClientSecret string

	// Certificate is the client certificate presented for mutual TLS.
	// A zero value disables client authentication.
	Certificate tls.Certificate

	// RootCAs overrides the system pool when set.
	RootCAs *x509.CertPool

	// UserAgent header sent on every request.
	UserAgent string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// RateLimiter is optional; nil disables client-side rate limiting.
	RateLimiter RateLimiter

	// Retry overrides the per-class retry policy for every class when set.
	Retry *RetryConfig
}

// DefaultConfig returns a configuration with production defaults for the
// given endpoints.
func DefaultConfig(authURL, selectURL string) Config {
	return Config{
		AuthURL:      authURL,
		SelectURL:    selectURL,
		BaseSelect:   "workers/associateOID,workers/person/legalName,workers/workAssignments",
		CustomSelect: "workers/customFieldGroup",
		IDField:      "associateOID",
		UserAgent:    "workforce-harvester/1.0.0",
		Timeout:      30 * time.Second,
	}
}

// New creates a new workers API client.
func New(cfg Config) (*Client, error) {
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("auth url is required")
	}
	if cfg.SelectURL == "" {
		return nil, fmt.Errorf("select url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.IDField == "" {
		cfg.IDField = "associateOID"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport, err := NewTransport(cfg.Certificate, cfg.RootCAs)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	return NewWithHTTPClient(cfg, &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	})
}

// NewWithHTTPClient creates a client over an existing HTTP client. The
// client is used as-is; no transport is built.
func NewWithHTTPClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.IDField == "" {
		cfg.IDField = "associateOID"
	}

	selectURL, err := url.Parse(cfg.SelectURL)
	if err != nil {
		return nil, fmt.Errorf("parse select url: %w", err)
	}

	retryConfig := RetryConfigForErrorClass
	if cfg.Retry != nil {
		override := *cfg.Retry
		retryConfig = func(ErrorClass) RetryConfig { return override }
	}

	return &Client{
		httpClient:  httpClient,
		rateLimiter: cfg.RateLimiter,
		retryConfig: retryConfig,
		selectPath:  strings.TrimSuffix(selectURL.Path, "/"),
		config:      cfg,
		logger:      log.With().Str("component", "workers-client").Logger(),
	}, nil
}

// Do performs an HTTP request with rate limiting, retry and error
// classification. Non-retryable 4xx responses are returned to the caller
// with a nil error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := c.endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	var resp *http.Response
	var errClass ErrorClass

	retryErr := retryWithConfig(ctx, func() error {
		errClass = ""

		if c.rateLimiter != nil {
			allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Rate limit check failed")
			} else if !allowed {
				errClass = ErrorClassRateLimit
				requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
				c.logger.Warn().Str("endpoint", endpoint).Msg("Request blocked by rate limiter")
				return &APIError{
					StatusCode: http.StatusTooManyRequests,
					ErrorClass: ErrorClassRateLimit,
					Message:    "blocked by client rate limiter",
				}
			}
		}

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			errClass = c.classifyError(nil, reqErr)
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			requestsTotal.WithLabelValues(endpoint, string(errClass)+"_error").Inc()
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Str("error_class", string(errClass)).Msg("HTTP request failed")
			return &APIError{
				ErrorClass: errClass,
				Message:    "request failed",
				Err:        reqErr,
			}
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			errClass = c.classifyError(resp, nil)
			errorsTotal.WithLabelValues(string(errClass)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Request error")

			if shouldRetry(errClass) {
				apiErr := &APIError{
					StatusCode: resp.StatusCode,
					ErrorClass: errClass,
					Message:    resp.Status,
					RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
				}
				resp.Body.Close()
				resp = nil
				return apiErr
			}
		}
		return nil
	}, func(error) ErrorClass {
		return errClass
	}, c.retryConfig)

	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}

	return resp, nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		if isSecureChannel(err) {
			return ErrorClassSecureChannel
		}
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// endpointLabel keeps metric cardinality bounded: per-worker paths collapse
// into one label.
func (c *Client) endpointLabel(path string) string {
	switch {
	case c.selectPath != "" && path == c.selectPath:
		return "workers"
	case c.selectPath != "" && strings.HasPrefix(path, c.selectPath+"/"):
		return "workers/{id}"
	case strings.HasSuffix(path, "/token"):
		return "token"
	default:
		return path
	}
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
