package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Go-routine-4595/suez-mqtt/cert"
	"github.com/Go-routine-4595/suez-mqtt/model"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	// ErrNotAuthenticated means the account rejected the configured credentials.
	ErrNotAuthenticated = errors.New("toutsurmoneau rejected the credentials")
	// ErrEmptyData means the remote answered but carried no measures.
	ErrEmptyData = errors.New("remote api returned no data")
)

const (
	defaultBaseURL = "https://www.toutsurmoneau.fr"
	loginPath      = "/mon-compte-en-ligne/je-me-connecte"
	telemetryPath  = "/public-api/cel-consumption/meters-separated/%s/telemetry"
	lastIndexPath  = "/public-api/cel-consumption/meters-separated/%s/last-index"
)

// the login form embeds a one-shot CSRF token the POST must echo back
var csrfTokenRe = regexp.MustCompile(`name="_csrf_token"\s+value="([^"]+)"`)

type Config struct {
	Email     string
	Password  string
	MeterID   string
	BaseURL   string
	VerifySSL bool
	CAFile    string
	Retry     RetryConfig
	Breaker   BreakerConfig
	LogLevelZ zerolog.Level
}

// Factory opens independent sessions against the toutsurmoneau.fr account.
// The TLS config and the circuit breaker are built once and shared; cookie
// state is per session.
type Factory struct {
	cfg     Config
	tls     *tls.Config
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// createLogger initializes and returns a new `zerolog.Logger` configured with the given log level.
// It sets the output to `os.Stdout` with RFC3339 time format and tags entries with the component name.
func initializeLogger(logLevel zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(logLevel).
		With().
		Timestamp().
		Str("instance", "gateway").
		Logger()
}

func NewFactory(cfg Config) (*Factory, error) {
	logger := initializeLogger(cfg.LogLevelZ)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaultRetry()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = defaultBreaker()
	}
	if !cfg.VerifySSL {
		logger.Warn().Msg("SSL verification is disabled")
	}

	tlsConfig, err := cert.ClientConfig(cfg.VerifySSL, cfg.CAFile)
	if err != nil {
		return nil, errors.Join(err, errors.New("gateway tls config"))
	}

	return &Factory{
		cfg:     cfg,
		tls:     tlsConfig,
		breaker: newBreaker(cfg.Breaker, logger),
		logger:  logger,
	}, nil
}

// NewSession returns a fresh session with its own cookie jar, so concurrent
// fetches never share login state.
func (f *Factory) NewSession() model.Session {
	return &session{
		cfg:    f.cfg,
		http:   newTransport(f.tls, f.breaker, f.cfg.Retry, f.logger),
		logger: f.logger,
	}
}

type session struct {
	cfg    Config
	http   *transport
	logger zerolog.Logger
	authed bool
}

// ensureLogin logs the session in on first use. A rejected credential pair is
// ErrNotAuthenticated; anything else is a transport problem.
func (s *session) ensureLogin(ctx context.Context) error {
	if s.authed {
		return nil
	}

	page, err := s.http.get(ctx, s.cfg.BaseURL+loginPath)
	if err != nil {
		return errors.Join(err, errors.New("load login page"))
	}
	m := csrfTokenRe.FindSubmatch(page)
	if m == nil {
		return errors.New("login page carries no csrf token")
	}

	form := url.Values{}
	form.Set("_username", s.cfg.Email)
	form.Set("_password", s.cfg.Password)
	form.Set("_csrf_token", string(m[1]))

	resp, err := s.http.postForm(ctx, s.cfg.BaseURL+loginPath, form)
	if err != nil {
		return errors.Join(err, errors.New("submit login form"))
	}
	resp.Body.Close()

	// a failed login bounces back to the login form
	if strings.Contains(resp.Request.URL.Path, loginPath) {
		return ErrNotAuthenticated
	}

	s.logger.Debug().Msgf("logged in as %s", s.cfg.Email)
	s.authed = true
	return nil
}

func (s *session) CheckCredentials(ctx context.Context) (bool, error) {
	err := s.ensureLogin(ctx)
	if errors.Is(err, ErrNotAuthenticated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// telemetryResponse is the raw shape of the consumption endpoint.
type telemetryResponse struct {
	Content struct {
		Measures []model.Measure `json:"measures"`
	} `json:"content"`
}

func (s *session) FetchRange(ctx context.Context, mode model.Mode, start, end time.Time) ([]model.Measure, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("granularity", string(mode))
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))

	var body telemetryResponse
	u := s.cfg.BaseURL + fmt.Sprintf(telemetryPath, url.PathEscape(s.cfg.MeterID)) + "?" + q.Encode()
	if err := s.http.getJSON(ctx, u, &body); err != nil {
		return nil, errors.Join(err, errors.New("fetch telemetry"))
	}
	return body.Content.Measures, nil
}

// FetchRecentMonths pulls the account's recent-months summary; the remote
// decides the window.
func (s *session) FetchRecentMonths(ctx context.Context) ([]model.Measure, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("granularity", string(model.ModeMonthly))

	var body telemetryResponse
	u := s.cfg.BaseURL + fmt.Sprintf(telemetryPath, url.PathEscape(s.cfg.MeterID)) + "?" + q.Encode()
	if err := s.http.getJSON(ctx, u, &body); err != nil {
		return nil, errors.Join(err, errors.New("fetch recent months"))
	}
	return body.Content.Measures, nil
}

func (s *session) LatestMeterReading(ctx context.Context) (float64, error) {
	if err := s.ensureLogin(ctx); err != nil {
		return 0, err
	}

	var body struct {
		Index *float64 `json:"index"`
	}
	u := s.cfg.BaseURL + fmt.Sprintf(lastIndexPath, url.PathEscape(s.cfg.MeterID))
	if err := s.http.getJSON(ctx, u, &body); err != nil {
		return 0, errors.Join(err, errors.New("fetch latest reading"))
	}
	if body.Index == nil {
		return 0, ErrEmptyData
	}
	return *body.Index, nil
}

func (s *session) Close() error {
	s.http.close()
	s.authed = false
	return nil
}
