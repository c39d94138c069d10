// Package client is a typed Go client for the skymatch catalog API.
//
// The API is a read-only view of the running catalog; detections enter the
// system through the Kafka ingest topic or the CLI, never through HTTP. A
// client needs only the base URL of an apiserver instance:
//
//	c, err := client.NewClient("http://localhost:8080")
//	if err != nil { ... }
//	page, err := c.Sources().List(ctx, datasetID, nil)
//
// Requests carry an X-Request-ID header which the server echoes and logs;
// errors returned by the API surface it for correlation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transientlab/skymatch/pkg/errors"
)

// Version is the client version reported in the User-Agent header.
const Version = "0.1.0"

// requestIDHeader matches the header the API's middleware honors and echoes.
const requestIDHeader = "X-Request-ID"

// Logger receives the client's request-level diagnostics. The zero client
// logs nothing; wire one in with WithLogger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(format string, args ...interface{}) {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// Client talks to one skymatch catalog API endpoint.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	userAgent    string
	logger       Logger
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	sources     *SourcesClient
	sourcesOnce sync.Once
	health      *HealthClient
	healthOnce  sync.Once
}

// APIError is an error response from the API, carrying the machine-readable
// code from the body and the request id the failing call was sent with.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("skymatch: %s (HTTP %d): %s [request_id=%s]", e.Code, e.StatusCode, e.Message, e.RequestID)
}

// IsNotFound reports whether the API answered 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsServerError reports whether the failure was on the server's side.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, invalidArg("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, invalidArg(fmt.Sprintf("invalid baseURL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, invalidArg(fmt.Sprintf("baseURL scheme must be http or https, got %q", parsed.Scheme))
	}

	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		userAgent:    fmt.Sprintf("skymatch-go/%s", Version),
		logger:       noopLogger{},
		retryMax:     3,
		retryWaitMin: 500 * time.Millisecond,
		retryWaitMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sources returns the running-source sub-client.
func (c *Client) Sources() *SourcesClient {
	c.sourcesOnce.Do(func() {
		c.sources = &SourcesClient{client: c}
	})
	return c.sources
}

// Health returns the health-probe sub-client.
func (c *Client) Health() *HealthClient {
	c.healthOnce.Do(func() {
		c.health = &HealthClient{client: c}
	})
	return c.health
}

// get performs a GET with retries and decodes the response body into result.
// Network failures and 5xx responses are retried with jittered exponential
// backoff; 4xx responses are returned immediately as *APIError.
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	fullURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debugf("retry %d for GET %s after %v", attempt, path, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidParam, "build request")
		}
		requestID := uuid.New().String()
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set(requestIDHeader, requestID)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Errorf("GET %s failed: %v", path, err)
			lastErr = err
			continue
		}
		c.logger.Debugf("GET %s %d (%v)", path, resp.StatusCode, time.Since(start))

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: requestID}
			var er struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(body, &er) == nil && er.Code != "" {
				apiErr.Code = er.Code
				apiErr.Message = er.Message
			} else {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			if !apiErr.IsServerError() {
				return apiErr
			}
			lastErr = apiErr
			continue
		}

		if result != nil && len(body) > 0 {
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

// backoff returns the wait before retry attempt n (n >= 1): exponential from
// retryWaitMin, capped at retryWaitMax, plus up to 25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryWaitMin << uint(attempt-1)
	if d > c.retryWaitMax || d <= 0 {
		d = c.retryWaitMax
	}
	if q := int64(d / 4); q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}

func invalidArg(msg string) error {
	return errors.Newf(errors.CodeInvalidParam, "client: %s", msg)
}
