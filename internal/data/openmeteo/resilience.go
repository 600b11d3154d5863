package openmeteo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff between attempts.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrServerError    = errors.New("server error")
	ErrUnexpected     = errors.New("unexpected status code")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	errInvalidBackoff = errors.New("invalid backoff configuration")
)

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	return !errors.Is(err, ErrUnexpected)
}

// doWithRetry executes the request through the breaker, retrying rate
// limits, server errors and transport failures with exponential backoff.
func doWithRetry(
	ctx context.Context,
	client *http.Client,
	backoff BackoffConfig,
	cb *gobreaker.CircuitBreaker,
	build func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if backoff.MaxRetries < 0 || backoff.InitialInterval <= 0 {
		return nil, errInvalidBackoff
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := build(ctx)
		if err != nil {
			return nil, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				resp.Body.Close()
				return nil, ErrRateLimited
			case resp.StatusCode >= 500:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %d", ErrServerError, resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %d", ErrUnexpected, resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			return result.(*http.Response), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if !retryable(err) || attempt >= backoff.MaxRetries {
			return nil, err
		}

		delay := backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if backoff.MaxInterval > 0 && delay > backoff.MaxInterval {
			delay = backoff.MaxInterval
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
