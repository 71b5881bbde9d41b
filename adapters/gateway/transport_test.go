package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(retry RetryConfig, breaker BreakerConfig) *transport {
	return newTransport(nil, newBreaker(breaker, zerolog.Nop()), retry, zerolog.Nop())
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(
		RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2},
		BreakerConfig{FailureThreshold: 10, ResetTimeout: time.Minute},
	)

	var body struct {
		OK bool `json:"ok"`
	}
	err := tr.getJSON(context.Background(), srv.URL, &body)
	require.NoError(t, err)
	assert.True(t, body.OK)
	assert.Equal(t, int64(3), hits.Load())
}

func TestTransportGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(
		RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2},
		BreakerConfig{FailureThreshold: 10, ResetTimeout: time.Minute},
	)

	err := tr.getJSON(context.Background(), srv.URL, &struct{}{})
	require.Error(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestTransportBreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(
		RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	)

	require.Error(t, tr.getJSON(context.Background(), srv.URL, &struct{}{}))
	require.Error(t, tr.getJSON(context.Background(), srv.URL, &struct{}{}))

	// threshold reached, the third call never leaves the process
	err := tr.getJSON(context.Background(), srv.URL, &struct{}{})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int64(2), hits.Load())
}

func TestTransportCancelledCallDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hang") == "1" {
			<-r.Context().Done()
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	tr := newTestTransport(
		RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, tr.getJSON(ctx, srv.URL+"?hang=1", &struct{}{}))

	// a single remote failure would have tripped this breaker; the cancelled
	// call must not have
	var body struct {
		OK bool `json:"ok"`
	}
	err := tr.getJSON(context.Background(), srv.URL, &body)
	require.NoError(t, err)
	assert.True(t, body.OK)
}

func TestTransportHonorsContextBetweenRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(
		RetryConfig{MaxAttempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1},
		BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.getJSON(ctx, srv.URL, &struct{}{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "retry wait ignored the context")
}

func TestRetryDelay(t *testing.T) {
	tr := newTestTransport(
		RetryConfig{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond, Multiplier: 2},
		BreakerConfig{FailureThreshold: 10, ResetTimeout: time.Minute},
	)

	assert.Equal(t, 100*time.Millisecond, tr.retryDelay(1))
	assert.Equal(t, 200*time.Millisecond, tr.retryDelay(2))
	// capped at the configured maximum
	assert.Equal(t, 300*time.Millisecond, tr.retryDelay(3))
	assert.Equal(t, 300*time.Millisecond, tr.retryDelay(4))
}
