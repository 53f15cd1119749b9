// Package http wraps net/http with the retry and circuit-breaker pipeline
// venue REST calls go through.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"grid_trader/pkg/telemetry"
)

const (
	retryMaxRetries     = 3
	retryInitialBackoff = 100 * time.Millisecond
	retryMaxBackoff     = 2 * time.Second

	breakerFailures = 5
	breakerWindow   = 10
	breakerCooldown = 10 * time.Second
)

// APIError is a non-2xx venue response. The body is kept verbatim so callers
// can decode venue error codes out of it.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer mutates an outgoing request with venue authentication. Signing runs
// once per attempt, so timestamped signatures stay fresh across retries.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client issues REST calls through a failsafe pipeline: backed-off retries on
// network errors, 429s, and 5xx, behind a circuit breaker that sheds load
// while the venue keeps failing.
type Client struct {
	http     *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*http.Response]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewClient builds a client rooted at baseURL. A nil signer sends requests
// unauthenticated.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("REST calls issued"))
	failures, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("REST calls that failed"))
	duration, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("REST call latency including retries"), metric.WithUnit("s"))

	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		signer:   signer,
		pipeline: failsafe.With[*http.Response](newRetryPolicy(), newBreaker()),
		tracer:   telemetry.GetTracer("http-client"),
		requests: requests,
		failures: failures,
		duration: duration,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func newRetryPolicy() retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return retryableStatus(resp.StatusCode)
		}).
		WithBackoff(retryInitialBackoff, retryMaxBackoff).
		WithMaxRetries(retryMaxRetries).
		Build()
}

func newBreaker() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(breakerFailures, breakerWindow).
		WithDelay(breakerCooldown).
		Build()
}

// Get sends a GET with params in the query string.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.call(ctx, http.MethodGet, path, params)
}

// PostParams sends a POST with params in the query string, for venues that
// sign the query rather than a body.
func (c *Client) PostParams(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.call(ctx, http.MethodPost, path, params)
}

// Put sends a PUT with params in the query string.
func (c *Client) Put(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.call(ctx, http.MethodPut, path, params)
}

// Delete sends a DELETE with params in the query string.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.call(ctx, http.MethodDelete, path, params)
}

// call drives one logical API call through the pipeline. The request is
// rebuilt and re-signed for every attempt, which keeps timestamped
// signatures inside the venue's receive window.
func (c *Client) call(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	c.requests.Add(ctx, 1, attrs)
	start := time.Now()

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, rerr := c.buildRequest(ctx, method, path, params)
		if rerr != nil {
			return nil, rerr
		}
		r, derr := c.http.Do(req)
		if derr == nil && exec.Attempts() <= retryMaxRetries && retryableStatus(r.StatusCode) {
			// This response is about to be retried; hand its connection back.
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
		}
		return r, derr
	})
	c.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, method, path string, params map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
	return req, nil
}
