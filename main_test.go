package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Go-routine-4595/suez-mqtt/model"
	"github.com/Go-routine-4595/suez-mqtt/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	authOK  bool
	authErr error
}

func (s *stubSession) CheckCredentials(ctx context.Context) (bool, error) {
	return s.authOK, s.authErr
}

func (s *stubSession) FetchRange(ctx context.Context, mode model.Mode, start, end time.Time) ([]model.Measure, error) {
	return nil, errors.New("unexpected FetchRange call")
}

func (s *stubSession) FetchRecentMonths(ctx context.Context) ([]model.Measure, error) {
	return nil, errors.New("unexpected FetchRecentMonths call")
}

func (s *stubSession) LatestMeterReading(ctx context.Context) (float64, error) {
	return 0, errors.New("unexpected LatestMeterReading call")
}

func (s *stubSession) Close() error { return nil }

type stubFactory struct {
	session *stubSession
}

func (f *stubFactory) NewSession() model.Session { return f.session }

type fakeBus struct {
	mu           sync.Mutex
	calls        []string
	subscribedTo string
	connectErr   error
	subscribeErr error
}

func (b *fakeBus) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *fakeBus) Connect() error {
	b.record("connect")
	return b.connectErr
}

func (b *fakeBus) Disconnect() {
	b.record("disconnect")
}

func (b *fakeBus) Subscribe(topic string) error {
	b.record("subscribe")
	b.subscribedTo = topic
	return b.subscribeErr
}

func (b *fakeBus) Publish(v any, topic string) bool { return true }

func (b *fakeBus) Topic() string { return "water" }

func newStubService(sess *stubSession) *service.Service {
	return service.NewService(service.Config{MeterID: "pds-1", HeartbeatInterval: 60}, &stubFactory{session: sess}, zerolog.Disabled)
}

func TestRunAuthFailureTouchesNoBroker(t *testing.T) {
	bus := &fakeBus{}
	svc := newStubService(&stubSession{authOK: false})

	code := run(context.Background(), "water", svc, bus)
	require.Equal(t, 1, code)
	assert.Empty(t, bus.calls)
	assert.Empty(t, bus.subscribedTo)
}

func TestRunAuthNetworkErrorTouchesNoBroker(t *testing.T) {
	bus := &fakeBus{}
	svc := newStubService(&stubSession{authErr: errors.New("connection refused")})

	code := run(context.Background(), "water", svc, bus)
	require.Equal(t, 1, code)
	assert.Empty(t, bus.calls)
	assert.Empty(t, bus.subscribedTo)
}

func TestRunConnectFailure(t *testing.T) {
	bus := &fakeBus{connectErr: errors.New("broker unreachable")}
	svc := newStubService(&stubSession{authOK: true})

	code := run(context.Background(), "water", svc, bus)
	require.Equal(t, 1, code)
	assert.Equal(t, []string{"connect"}, bus.calls)
	assert.Empty(t, bus.subscribedTo)
}

func TestRunSubscribeFailure(t *testing.T) {
	bus := &fakeBus{subscribeErr: errors.New("subscription refused")}
	svc := newStubService(&stubSession{authOK: true})

	code := run(context.Background(), "water", svc, bus)
	require.Equal(t, 1, code)
	assert.Equal(t, []string{"connect", "subscribe", "disconnect"}, bus.calls)
}

func TestRunLifecycle(t *testing.T) {
	bus := &fakeBus{}
	svc := newStubService(&stubSession{authOK: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := run(ctx, "water", svc, bus)
	require.Equal(t, 0, code)
	assert.Equal(t, []string{"connect", "subscribe", "disconnect"}, bus.calls)
	assert.Equal(t, "water/refresh", bus.subscribedTo)
}
