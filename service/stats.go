package service

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Stats counts trigger and publish outcomes across all fetch units. All
// methods are safe for concurrent use.
type Stats struct {
	triggers      int64
	fetchOK       int64
	fetchFailed   int64
	publishFailed int64
}

func (s *Stats) TriggerReceived() {
	atomic.AddInt64(&s.triggers, 1)
}

func (s *Stats) FetchSucceeded() {
	atomic.AddInt64(&s.fetchOK, 1)
}

func (s *Stats) FetchFailed() {
	atomic.AddInt64(&s.fetchFailed, 1)
}

func (s *Stats) PublishFailed() {
	atomic.AddInt64(&s.publishFailed, 1)
}

func (s *Stats) log(logger zerolog.Logger) {
	triggers := atomic.LoadInt64(&s.triggers)
	ok := atomic.LoadInt64(&s.fetchOK)
	failed := atomic.LoadInt64(&s.fetchFailed)
	pub := atomic.LoadInt64(&s.publishFailed)
	logger.Info().Msgf("triggers received: %d, fetches ok: %d, fetches failed: %d, publish problems: %d", triggers, ok, failed, pub)
}
