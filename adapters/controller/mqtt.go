package controller

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/Go-routine-4595/suez-mqtt/cert"
	"github.com/Go-routine-4595/suez-mqtt/model"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// ErrNotConnected is returned by Subscribe when Connect has not succeeded yet.
var ErrNotConnected = errors.New("not connected to mqtt broker")

const (
	publishQos       = 1
	subscribeQos     = 0
	disconnectQuiet  = 250 // ms paho waits for in-flight work on Disconnect
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
)

type MqttConfig struct {
	Connection string
	Username   string
	Password   string
	Topic      string
	TLS        bool
	CAFile     string
	LogLevelZ  zerolog.Level
}

// MqttController wraps the paho client: one broker connection shared by the
// trigger subscription and every outbound publication.
type MqttController struct {
	topic    string
	logger   zerolog.Logger
	opt      *mqtt.ClientOptions
	ClientID uuid.UUID
	client   mqtt.Client
	svc      model.IService
}

// createLogger initializes and returns a new `zerolog.Logger` configured with the given log level.
// It sets the output to `os.Stdout` with RFC3339 time format and tags entries with the component name.
func initializeLogger(logLevel zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(logLevel).
		With().
		Timestamp().
		Str("instance", "controller").
		Logger()
}

// NewMqttController builds the client options without connecting; the
// supervisor connects only after the startup credential check has passed.
func NewMqttController(conf MqttConfig, svc model.IService) (*MqttController, error) {
	var (
		l   zerolog.Logger
		cid uuid.UUID
	)

	l = initializeLogger(conf.LogLevelZ)
	cid = uuid.NewV4()
	c := &MqttController{
		topic:    conf.Topic,
		logger:   l,
		ClientID: cid,
		svc:      svc,
		opt: mqtt.NewClientOptions().
			AddBroker(conf.Connection).
			SetClientID("suez-mqtt-" + cid.String()).
			SetCleanSession(true).
			SetAutoReconnect(true),
	}
	if conf.Username != "" {
		c.opt = c.opt.SetUsername(conf.Username).SetPassword(conf.Password)
	}
	if conf.TLS {
		tlsConfig, err := cert.ClientConfig(true, conf.CAFile)
		if err != nil {
			return nil, errors.Join(err, errors.New("mqtt tls config"))
		}
		c.opt = c.opt.SetTLSConfig(tlsConfig)
	}
	c.opt = c.opt.SetConnectionLostHandler(c.ConnectLostHandler())
	c.opt = c.opt.SetOnConnectHandler(c.ConnectHandler())

	return c, nil
}

// Connect establishes a connection to the MQTT broker using the provided client options.
// If the connection fails, it logs the error and returns an aggregated error.
func (m *MqttController) Connect() error {
	m.client = mqtt.NewClient(m.opt)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		m.logger.Error().Err(token.Error()).Msg("error connecting to mqtt broker")
		return errors.Join(token.Error(), errors.New("error connecting to mqtt broker"))
	}
	return nil
}

// Disconnect quiesces the paho client and its delivery loop.
func (m *MqttController) Disconnect() {
	if m.client == nil {
		return
	}
	m.client.Disconnect(disconnectQuiet)
	m.logger.Warn().Msg("mqtt disconnect")
}

// Subscribe registers the trigger handler. The handler runs on paho's
// delivery goroutine; the service hands the work off and returns quickly.
func (m *MqttController) Subscribe(topic string) error {
	if m.client == nil {
		return ErrNotConnected
	}
	if token := m.client.Subscribe(topic, subscribeQos, m.processMessage); !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
		m.logger.Error().Err(token.Error()).Msgf("failed to subscribe to '%s'", topic)
		return errors.Join(token.Error(), errors.New("subscribe to trigger topic"))
	}
	m.logger.Info().Msgf("subscribed to '%s'", topic)
	return nil
}

// Publish sends v as pretty-printed JSON, retained at qos 1, so a consumer
// joining later still sees the last value. Reports success.
func (m *MqttController) Publish(v any, topic string) bool {
	if m.client == nil {
		m.logger.Error().Msg("publish before connect")
		return false
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		m.logger.Error().Err(err).Msgf("failed to encode payload for '%s'", topic)
		return false
	}
	if token := m.client.Publish(topic, publishQos, true, payload); !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		m.logger.Error().Err(token.Error()).Msgf("failed to publish to '%s'", topic)
		return false
	}
	m.logger.Info().Msgf("published data to '%s'", topic)
	return true
}

// Topic returns the configured base topic.
func (m *MqttController) Topic() string {
	return m.topic
}

// processMessage handles incoming MQTT messages by handing the payload to the service.
func (m *MqttController) processMessage(client mqtt.Client, msg mqtt.Message) {
	m.logger.Debug().Msgf("received message on '%s': %s", msg.Topic(), string(msg.Payload()))
	m.svc.HandleTrigger(msg.Topic(), msg.Payload())
}

// ConnectHandler returns a function that logs a message when the MQTT client successfully connects to the broker.
func (m *MqttController) ConnectHandler() func(client mqtt.Client) {
	return func(client mqtt.Client) {
		m.logger.Info().Msg("connected to mqtt broker")
	}
}

// ConnectLostHandler returns a function that handles MQTT connection loss by logging a warning message with the error details.
func (m *MqttController) ConnectLostHandler() func(client mqtt.Client, err error) {
	return func(client mqtt.Client, err error) {
		m.logger.Warn().Err(err).Msg("mqtt connection lost")
	}
}
