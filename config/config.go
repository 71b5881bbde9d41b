package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Required account settings; Validate reports the first missing one.
var (
	ErrMissingEmail    = errors.New("SUEZ_EMAIL not configured")
	ErrMissingPassword = errors.New("SUEZ_PASSWORD not configured")
	ErrMissingMeterID  = errors.New("SUEZ_ID_PDS (or ID_PDS) not configured")
)

// Suez holds the remote metering-account settings.
type Suez struct {
	Email     string `yaml:"Email"`
	Password  string `yaml:"Password"`
	MeterID   string `yaml:"MeterID"`
	VerifySSL bool   `yaml:"VerifySSL"`
	CAFile    string `yaml:"CAFile"`
}

// Mqtt holds the bus connection settings.
type Mqtt struct {
	Broker   string `yaml:"Broker"`
	Port     int    `yaml:"Port"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	Topic    string `yaml:"Topic"`
	TLS      bool   `yaml:"TLS"`
}

type Config struct {
	Suez              Suez   `yaml:"Suez"`
	Mqtt              Mqtt   `yaml:"Mqtt"`
	HeartbeatInterval int    `yaml:"HeartbeatInterval"`
	LogLevel          string `yaml:"LogLevel"`
}

func Default() Config {
	return Config{
		Suez: Suez{
			VerifySSL: true,
		},
		Mqtt: Mqtt{
			Broker: "localhost",
			Port:   1883,
			Topic:  "water",
		},
		HeartbeatInterval: 60,
		LogLevel:          "Info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error: deployments driven purely by environment variables ship no file.
func Load(path string) (Config, error) {
	conf := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return conf, errors.Join(err, errors.New("open config file"))
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err = decoder.Decode(&conf); err != nil {
		return conf, errors.Join(err, errors.New("decode config file"))
	}
	return conf, nil
}

// ApplyEnv overlays environment variables onto the config. Variable names
// match the ones the service has always recognized, so an existing .env
// keeps working. A numeric variable that does not parse is an error: a typo
// in MQTT_PORT must not silently run against the default port.
func (c *Config) ApplyEnv() error {
	setString(&c.Suez.Email, "SUEZ_EMAIL")
	setString(&c.Suez.Password, "SUEZ_PASSWORD")
	if v, ok := os.LookupEnv("SUEZ_ID_PDS"); ok && v != "" {
		c.Suez.MeterID = v
	} else if v, ok = os.LookupEnv("ID_PDS"); ok && v != "" {
		c.Suez.MeterID = v
	}
	setBool(&c.Suez.VerifySSL, "VERIFY_SSL")
	setString(&c.Suez.CAFile, "SUEZ_CA_FILE")

	setString(&c.Mqtt.Broker, "MQTT_BROKER")
	if err := setInt(&c.Mqtt.Port, "MQTT_PORT"); err != nil {
		return err
	}
	setString(&c.Mqtt.Username, "MQTT_USERNAME")
	setString(&c.Mqtt.Password, "MQTT_PASSWORD")
	setString(&c.Mqtt.Topic, "MQTT_TOPIC")
	setBool(&c.Mqtt.TLS, "MQTT_TLS")

	if err := setInt(&c.HeartbeatInterval, "HEARTBEAT_INTERVAL"); err != nil {
		return err
	}
	setString(&c.LogLevel, "LOG_LEVEL")
	return nil
}

// Validate enforces required fields and sane values.
func (c *Config) Validate() error {
	if c.Suez.Email == "" {
		return ErrMissingEmail
	}
	if c.Suez.Password == "" {
		return ErrMissingPassword
	}
	if c.Suez.MeterID == "" {
		return ErrMissingMeterID
	}
	if c.Mqtt.Port <= 0 || c.Mqtt.Port > 65535 {
		return fmt.Errorf("invalid MQTT port: %d", c.Mqtt.Port)
	}
	if c.Mqtt.Topic == "" {
		return errors.New("MQTT topic must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", c.HeartbeatInterval)
	}
	return nil
}

// BrokerURL builds the paho connection string, ssl:// when TLS is on.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.Mqtt.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Mqtt.Broker, c.Mqtt.Port)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		*dst = true
	default:
		*dst = false
	}
}
