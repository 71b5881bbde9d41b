package model

import (
	"context"
	"time"
)

// Mode selects the retrieval strategy for one fetch.
type Mode string

const (
	ModeDaily   Mode = "daily"
	ModeMonthly Mode = "monthly"
	ModeHistory Mode = "history"
)

// FetchRequest is one resolved trigger: what to fetch and how far back.
// Immutable once built, consumed by exactly one fetch unit.
type FetchRequest struct {
	Mode Mode
	Days int
}

// Measure is a single consumption record from the remote account.
type Measure struct {
	Date   string  `json:"date"`
	Volume float64 `json:"volume"`
	Index  float64 `json:"index"`
}

type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Content struct {
	Measures []Measure `json:"measures"`
}

type DataEnvelope struct {
	Content Content `json:"content"`
}

// ConsumptionResult is the payload published to <topic>/data. Field layout
// follows the envelope home-automation consumers already parse.
type ConsumptionResult struct {
	Timestamp string       `json:"timestamp"`
	Source    string       `json:"source"`
	IDPds     string       `json:"id_pds"`
	Mode      Mode         `json:"mode"`
	Period    Period       `json:"period"`
	Data      DataEnvelope `json:"data"`
}

// StatusMessage is published to <topic>/status after a successful fetch.
type StatusMessage struct {
	Status  string `json:"status"`
	Mode    Mode   `json:"mode"`
	Records int    `json:"records"`
}

// ErrorMessage is published to <topic>/error when a fetch unit fails.
type ErrorMessage struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error kinds carried by ErrorMessage.
const (
	ErrorAuthFailed  = "auth_failed"
	ErrorFetchFailed = "fetch_failed"
	ErrorException   = "exception"
)

// Heartbeat is published to <topic>/heartbeat on a fixed interval.
type Heartbeat struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Service   string `json:"service"`
}

// IService is the inbound port the controller hands bus messages to.
type IService interface {
	HandleTrigger(topic string, payload []byte)
}

// Session is one scoped connection to the remote metering account.
// Acquire through a SessionFactory, release with Close, success or failure.
type Session interface {
	// CheckCredentials reports whether the account credentials are valid.
	// A transport failure is returned as an error and treated as invalid.
	CheckCredentials(ctx context.Context) (bool, error)
	// FetchRange returns consumption records between start and end inclusive,
	// at the granularity named by mode.
	FetchRange(ctx context.Context, mode Mode, start, end time.Time) ([]Measure, error)
	// FetchRecentMonths returns the recent-months consumption summary.
	FetchRecentMonths(ctx context.Context) ([]Measure, error)
	// LatestMeterReading returns the most recent meter index.
	LatestMeterReading(ctx context.Context) (float64, error)
	Close() error
}

// SessionFactory opens independent sessions; concurrent fetches never share one.
type SessionFactory interface {
	NewSession() Session
}

// Publisher is the outbound port to the message bus.
type Publisher interface {
	// Publish sends v as JSON to the given topic, retained. Reports success.
	Publish(v any, topic string) bool
	// Topic returns the configured base topic.
	Topic() string
}
