// Package upstream runs single HTTP calls to weather providers through a
// circuit breaker and classifies failures into domain error kinds.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/couchcryptid/wildfire-ros-service/internal/domain"
	"github.com/couchcryptid/wildfire-ros-service/internal/observability"
	"github.com/sony/gobreaker"
)

// maxBody bounds how much of a response is read into memory.
const maxBody = 64 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// NewBreaker returns a breaker that opens after five consecutive failures
// and probes again after timeout.
func NewBreaker(name string, timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Client-side cancellation says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Caller executes requests for one provider.
type Caller struct {
	Provider string
	Client   *http.Client
	Breaker  *gobreaker.CircuitBreaker
	Metrics  *observability.Metrics
}

// Do sends req and returns the full body of a 2xx response. There is no
// retry: a failed call is reported to the caller, which may fall back to
// another provider.
func (c *Caller) Do(req *http.Request) ([]byte, error) {
	start := time.Now()
	result, err := c.Breaker.Execute(func() (interface{}, error) {
		resp, err := c.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		return body, nil
	})
	if c.Metrics != nil {
		c.Metrics.UpstreamDuration.WithLabelValues(c.Provider).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		err = c.Classify(req.Context(), err)
		c.count(err)
		return nil, err
	}
	c.count(nil)
	body, ok := result.([]byte)
	if !ok {
		return nil, domain.NewError(domain.KindInternal, c.Provider, "unexpected result type from circuit breaker")
	}
	return body, nil
}

// Classify maps a transport, status, or breaker error to a domain error.
//
//   - overall request deadline: Timeout
//   - open breaker, HTTP 429, HTTP 401/403: ProviderUnavailable
//   - anything else: Upstream
func (c *Caller) Classify(ctx context.Context, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.KindTimeout, c.Provider, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewError(domain.KindProviderUnavailable, c.Provider, "circuit breaker open: %v", err)
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests:
			return domain.NewError(domain.KindProviderUnavailable, c.Provider, "quota exhausted: %v", se)
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewError(domain.KindProviderUnavailable, c.Provider, "credential rejected: %v", se)
		}
	}
	return domain.WrapError(domain.KindUpstream, c.Provider, err)
}

func (c *Caller) count(err error) {
	if c.Metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case domain.IsKind(err, domain.KindProviderUnavailable):
		outcome = "unavailable"
	default:
		outcome = "error"
	}
	c.Metrics.UpstreamRequests.WithLabelValues(c.Provider, outcome).Inc()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
