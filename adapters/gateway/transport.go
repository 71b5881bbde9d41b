package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const userAgent = "suez-mqtt/1.0"

// RetryConfig controls the exponential backoff applied to remote API calls.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// BreakerConfig controls the circuit breaker shared by all sessions.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

func defaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

func defaultBreaker() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// newBreaker builds the remote-API circuit breaker: it opens after a run of
// consecutive failures and probes again after the reset timeout. A call the
// caller cancelled says nothing about the remote's health, so it does not
// count against the threshold.
func newBreaker(cfg BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "toutsurmoneau",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Msgf("remote api circuit breaker '%s': %s -> %s", name, from.String(), to.String())
		},
	})
}

// transport is one session's HTTP stack: its own cookie jar, the factory's
// shared circuit breaker, and retry with exponential backoff around every
// remote call.
type transport struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  zerolog.Logger
}

func newTransport(tlsConfig *tls.Config, breaker *gobreaker.CircuitBreaker, retry RetryConfig, logger zerolog.Logger) *transport {
	jar, _ := cookiejar.New(nil)
	return &transport{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		breaker: breaker,
		retry:   retry,
		logger:  logger,
	}
}

// do runs one request builder through the breaker and the retry schedule.
// The builder is invoked per attempt: a request body cannot be replayed, a
// fresh request can.
func (t *transport) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < t.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.retryDelay(attempt)
			t.logger.Debug().Msgf("remote call failed, retrying in %s (attempt %d)", delay, attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := t.breaker.Execute(func() (interface{}, error) {
			req, err := build()
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", userAgent)
			resp, err := t.client.Do(req.WithContext(ctx))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				resp.Body.Close()
				return nil, fmt.Errorf("remote api returned status %d", resp.StatusCode)
			}
			return resp, nil
		})
		if err == nil {
			return res.(*http.Response), nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// no point hammering an open breaker
			return nil, err
		}
	}
	return nil, lastErr
}

// getJSON performs a GET and decodes the JSON body into v.
func (t *transport) getJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := t.do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote api returned status %d for %s", resp.StatusCode, rawURL)
	}
	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode remote api response: %w", err)
	}
	return nil
}

// get performs a plain GET and returns the body, for the HTML login page.
func (t *transport) get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := t.do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote api returned status %d for %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(resp.Body)
}

// postForm submits a form and returns the response with redirects followed,
// so the caller can inspect where the site landed.
func (t *transport) postForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	body := form.Encode()
	resp, err := t.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	return resp, err
}

// close releases the session's idle connections.
func (t *transport) close() {
	t.client.CloseIdleConnections()
}

// retryDelay calculates the exponential backoff delay for an attempt.
func (t *transport) retryDelay(attempt int) time.Duration {
	delay := float64(t.retry.InitialInterval)
	for i := 1; i < attempt; i++ {
		delay *= t.retry.Multiplier
	}
	if delay > float64(t.retry.MaxInterval) {
		delay = float64(t.retry.MaxInterval)
	}
	return time.Duration(delay)
}
