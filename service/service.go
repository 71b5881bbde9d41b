package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Go-routine-4595/suez-mqtt/model"

	"github.com/rs/zerolog"
)

// ErrInvalidCredentials is returned by VerifyCredentials when the account
// rejects the configured email/password pair.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	serviceName   = "suez-mqtt"
	sourceName    = "toutsurmoneau.fr"
	statsInterval = 30 // run-loop ticks between stats lines
)

type Config struct {
	MeterID           string
	HeartbeatInterval int
}

// Service owns the trigger-to-publish cycle: it resolves inbound trigger
// payloads, runs each fetch on its own goroutine with its own remote session,
// and emits data/status/error/heartbeat messages on the bus.
type Service struct {
	logger   zerolog.Logger
	cfg      Config
	sessions model.SessionFactory
	pub      model.Publisher
	stats    *Stats

	// overridable in tests
	now  func() time.Time
	tick time.Duration
}

// createLogger initializes and returns a new `zerolog.Logger` configured with the given log level.
// It sets the output to `os.Stdout` with RFC3339 time format and tags entries with the component name.
func initializeLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("instance", "service").
		Logger()
}

func NewService(cfg Config, sessions model.SessionFactory, loglevel zerolog.Level) *Service {
	logger := initializeLogger(loglevel)
	logger.Info().Msg("service start")
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60
	}
	return &Service{
		logger:   logger,
		cfg:      cfg,
		sessions: sessions,
		stats:    &Stats{},
		now:      time.Now,
		tick:     time.Second,
	}
}

// WithPublisher binds the bus publisher. The controller depends on the
// service for inbound triggers, so the publisher has to arrive after
// construction.
func (s *Service) WithPublisher(pub model.Publisher) *Service {
	s.pub = pub
	return s
}

// VerifyCredentials performs the one-shot startup credential check against
// the remote account, on a session of its own.
func (s *Service) VerifyCredentials(ctx context.Context) error {
	s.logger.Info().Msg("checking authentication")
	sess := s.sessions.NewSession()
	defer sess.Close()
	ok, err := sess.CheckCredentials(ctx)
	if err != nil {
		return errors.Join(err, errors.New("startup credential check"))
	}
	if !ok {
		return ErrInvalidCredentials
	}
	s.logger.Info().Msg("authentication successful")
	return nil
}

// ResolveTrigger maps a raw trigger payload to a FetchRequest. A JSON object
// with a string "mode" key wins; anything else falls back to the trimmed
// payload text. Unrecognized candidates resolve to the daily request and
// recognized reports false so the caller can log it.
func ResolveTrigger(payload []byte) (model.FetchRequest, bool) {
	raw := strings.TrimSpace(string(payload))
	candidate := raw
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err == nil && body != nil {
		candidate = string(model.ModeDaily)
		if v, exists := body["mode"]; exists {
			if s, ok := v.(string); ok {
				candidate = s
			} else {
				// non-string mode value: same fallback as an undecodable payload
				candidate = raw
			}
		}
	}
	switch strings.ToLower(candidate) {
	case "monthly":
		return model.FetchRequest{Mode: model.ModeMonthly, Days: 90}, true
	case "history":
		return model.FetchRequest{Mode: model.ModeHistory, Days: 720}, true
	case "daily", "", "refresh":
		return model.FetchRequest{Mode: model.ModeDaily, Days: 30}, true
	default:
		return model.FetchRequest{Mode: model.ModeDaily, Days: 30}, false
	}
}

// HandleTrigger is the subscription callback: it resolves the payload and
// hands the fetch to its own goroutine so the bus delivery path never blocks.
func (s *Service) HandleTrigger(topic string, payload []byte) {
	s.stats.TriggerReceived()
	s.logger.Info().Msgf("received trigger on '%s'", topic)
	if !utf8.Valid(payload) {
		s.logger.Error().Msgf("trigger payload is not valid UTF-8 (%d bytes), ignoring", len(payload))
		return
	}
	req, recognized := ResolveTrigger(payload)
	if !recognized {
		s.logger.Warn().Msgf("unknown trigger payload %q, using daily mode", strings.TrimSpace(string(payload)))
	}
	s.logger.Info().Msgf("processing request: mode=%s, days=%d", req.Mode, req.Days)
	go s.fetchAndPublish(req)
}

// fetchAndPublish runs one complete fetch cycle on a fresh remote session.
// Every failure path ends in exactly one /error publication; a panic anywhere
// is reported the same way. In-flight cycles are never cancelled, so the
// context is deliberately not the run loop's.
func (s *Service) fetchAndPublish(req model.FetchRequest) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Msgf("error in fetch_and_publish: %v", r)
			s.publishError(model.ErrorException, fmt.Sprint(r))
			s.stats.FetchFailed()
			ok = false
		}
	}()

	s.logger.Info().Msgf("fetching %s consumption data", req.Mode)
	ctx := context.Background()

	sess := s.sessions.NewSession()
	defer sess.Close()

	authed, err := sess.CheckCredentials(ctx)
	if err != nil || !authed {
		if err != nil {
			s.logger.Error().Err(err).Msg("authentication failed")
		} else {
			s.logger.Error().Msg("authentication failed")
		}
		s.publishError(model.ErrorAuthFailed, "authentication failed")
		s.stats.FetchFailed()
		return false
	}

	result, err := s.retrieve(ctx, sess, req)
	if err != nil || len(result.Data.Content.Measures) == 0 {
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to retrieve consumption data")
		} else {
			s.logger.Error().Msg("consumption data is empty")
		}
		s.publishError(model.ErrorFetchFailed, "failed to retrieve consumption data")
		s.stats.FetchFailed()
		return false
	}

	if !s.pub.Publish(result, s.pub.Topic()+"/data") {
		s.logger.Error().Msg("failed to publish data to bus")
		s.stats.PublishFailed()
		s.stats.FetchFailed()
		return false
	}
	s.logger.Info().Msgf("published %d %s records", len(result.Data.Content.Measures), req.Mode)

	status := model.StatusMessage{
		Status:  "success",
		Mode:    req.Mode,
		Records: len(result.Data.Content.Measures),
	}
	if !s.pub.Publish(status, s.pub.Topic()+"/status") {
		s.logger.Error().Msg("failed to publish status to bus")
		s.stats.PublishFailed()
	}
	s.stats.FetchSucceeded()
	return true
}

// retrieve resolves the date range for the request and pulls the records.
func (s *Service) retrieve(ctx context.Context, sess model.Session, req model.FetchRequest) (model.ConsumptionResult, error) {
	end := dateOnly(s.now())
	start := end.AddDate(0, 0, -req.Days)
	s.logger.Info().Msgf("fetching %s consumption data (%s to %s)", req.Mode, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var (
		measures []model.Measure
		err      error
	)
	switch req.Mode {
	case model.ModeHistory:
		measures = s.fetchHistory(ctx, sess, start, end)
	case model.ModeMonthly:
		measures, err = sess.FetchRecentMonths(ctx)
	default:
		measures, err = sess.FetchRange(ctx, model.ModeDaily, start, end)
	}
	if err != nil {
		return model.ConsumptionResult{}, err
	}

	return model.ConsumptionResult{
		Timestamp: s.now().Format(time.RFC3339),
		Source:    sourceName,
		IDPds:     s.cfg.MeterID,
		Mode:      req.Mode,
		Period: model.Period{
			Start: start.Format("2006-01-02"),
			End:   end.Format("2006-01-02"),
		},
		Data: model.DataEnvelope{Content: model.Content{Measures: measures}},
	}, nil
}

// fetchHistory walks the range one calendar month at a time. A failed chunk
// is logged and skipped; the remaining chunks still run, and records keep
// chunk order.
func (s *Service) fetchHistory(ctx context.Context, sess model.Session, start, end time.Time) []model.Measure {
	chunks := monthChunks(start, end)
	all := make([]model.Measure, 0, len(chunks)*28)
	for _, c := range chunks {
		part, err := sess.FetchRange(ctx, model.ModeDaily, c.start, c.end)
		if err != nil {
			s.logger.Warn().Err(err).Msgf("failed to fetch chunk %s to %s", c.start.Format("2006-01-02"), c.end.Format("2006-01-02"))
			continue
		}
		s.logger.Debug().Msgf("chunk %s to %s: %d records", c.start.Format("2006-01-02"), c.end.Format("2006-01-02"), len(part))
		all = append(all, part...)
	}
	s.logger.Info().Msgf("total historical records fetched: %d", len(all))
	return all
}

func (s *Service) publishError(kind, message string) {
	msg := model.ErrorMessage{Error: kind, Message: message}
	if !s.pub.Publish(msg, s.pub.Topic()+"/error") {
		s.logger.Error().Msg("failed to publish error message")
		s.stats.PublishFailed()
	}
}

func (s *Service) publishHeartbeat() {
	hb := model.Heartbeat{
		Status:    "alive",
		Timestamp: s.now().UnixMilli(),
		Service:   serviceName,
	}
	if !s.pub.Publish(hb, s.pub.Topic()+"/heartbeat") {
		s.logger.Error().Msg("failed to publish heartbeat")
		s.stats.PublishFailed()
	}
}

// Run enters the supervisor's second-resolution loop: one heartbeat right
// away, another every HeartbeatInterval ticks, a stats line every
// statsInterval ticks, until the context is cancelled. Fetches started before
// cancellation are left to finish on their own goroutines.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Msgf("service ready, listening for triggers on %s/refresh", s.pub.Topic())
	s.logger.Info().Msgf("heartbeat every %d seconds on %s/heartbeat", s.cfg.HeartbeatInterval, s.pub.Topic())
	s.publishHeartbeat()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	heartbeat := 0
	stats := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("service stop")
			return
		case <-ticker.C:
			heartbeat++
			stats++
			if heartbeat >= s.cfg.HeartbeatInterval {
				s.publishHeartbeat()
				heartbeat = 0
			}
			if stats >= statsInterval {
				s.stats.log(s.logger)
				stats = 0
			}
		}
	}
}
