package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Go-routine-4595/suez-mqtt/adapters/controller"
	"github.com/Go-routine-4595/suez-mqtt/adapters/gateway"
	"github.com/Go-routine-4595/suez-mqtt/config"
	"github.com/Go-routine-4595/suez-mqtt/model"
	"github.com/Go-routine-4595/suez-mqtt/service"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logLevel map[string]zerolog.Level = map[string]zerolog.Level{
	"Trace":    zerolog.TraceLevel,
	"Debug":    zerolog.DebugLevel,
	"Info":     zerolog.InfoLevel,
	"Warn":     zerolog.WarnLevel,
	"Error":    zerolog.ErrorLevel,
	"Fatal":    zerolog.FatalLevel,
	"Panic":    zerolog.PanicLevel,
	"Disabled": zerolog.Disabled,
}

const defaultConfigFile = "config.yaml"

func main() {
	var (
		conf       config.Config
		svc        *service.Service
		mqtt       *controller.MqttController
		factory    *gateway.Factory
		ctx        context.Context
		cancel     context.CancelFunc
		sig        chan os.Signal
		configFile string
		check      bool
		level      zerolog.Level
		err        error
	)

	flag.StringVar(&configFile, "config", defaultConfigFile, "path to the configuration file")
	flag.BoolVar(&check, "check", false, "verify credentials, print the latest meter reading and exit")
	flag.Parse()

	// a local .env behaves like exported variables
	_ = godotenv.Load()

	conf, err = config.Load(configFile)
	if err != nil {
		processError(err)
	}
	if err = conf.ApplyEnv(); err != nil {
		processError(err)
	}
	if err = conf.Validate(); err != nil {
		processError(err)
	}

	// log level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Str("instance", "supervisor").Logger()
	if _, exists := logLevel[conf.LogLevel]; !exists {
		log.Warn().Msgf("log level %s not found, using default level %s", conf.LogLevel, "Info")
		conf.LogLevel = "Info"
	}
	level = logLevel[conf.LogLevel]
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("email", conf.Suez.Email).
		Str("meter_id", conf.Suez.MeterID).
		Bool("verify_ssl", conf.Suez.VerifySSL).
		Str("mqtt", conf.BrokerURL()).
		Str("topic", conf.Mqtt.Topic).
		Int("heartbeat_interval", conf.HeartbeatInterval).
		Msg("configuration loaded")

	factory, err = gateway.NewFactory(gateway.Config{
		Email:     conf.Suez.Email,
		Password:  conf.Suez.Password,
		MeterID:   conf.Suez.MeterID,
		VerifySSL: conf.Suez.VerifySSL,
		CAFile:    conf.Suez.CAFile,
		LogLevelZ: level,
	})
	if err != nil {
		processError(err)
	}

	svc = service.NewService(service.Config{
		MeterID:           conf.Suez.MeterID,
		HeartbeatInterval: conf.HeartbeatInterval,
	}, factory, level)

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	if check {
		if err = svc.VerifyCredentials(ctx); err != nil {
			log.Error().Err(err).Msg("startup credential check failed")
			os.Exit(1)
		}
		runCheck(ctx, factory)
		return
	}

	mqtt, err = controller.NewMqttController(controller.MqttConfig{
		Connection: conf.BrokerURL(),
		Username:   conf.Mqtt.Username,
		Password:   conf.Mqtt.Password,
		Topic:      conf.Mqtt.Topic,
		TLS:        conf.Mqtt.TLS,
		CAFile:     conf.Suez.CAFile,
		LogLevelZ:  level,
	}, svc)
	if err != nil {
		processError(err)
	}

	sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info().Msgf("received signal %s, shutting down", s)
		cancel()
	}()

	if code := run(ctx, conf.Mqtt.Topic, svc, mqtt); code != 0 {
		os.Exit(code)
	}
	// give 500 ms grace period to flush all logs
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}

// busClient is the controller surface the supervisor drives.
type busClient interface {
	model.Publisher
	Connect() error
	Disconnect()
	Subscribe(topic string) error
}

// run walks the service lifecycle and returns the process exit code. The
// credential check comes first; nothing touches the broker before it passes.
func run(ctx context.Context, topic string, svc *service.Service, bus busClient) int {
	if err := svc.VerifyCredentials(ctx); err != nil {
		log.Error().Err(err).Msg("startup credential check failed")
		return 1
	}
	if err := bus.Connect(); err != nil {
		log.Error().Err(err).Msg("failed to connect to mqtt broker")
		return 1
	}
	svc.WithPublisher(bus)
	if err := bus.Subscribe(topic + "/refresh"); err != nil {
		log.Error().Err(err).Msg("failed to subscribe to trigger topic")
		bus.Disconnect()
		return 1
	}

	svc.Run(ctx)

	bus.Disconnect()
	return 0
}

// runCheck is the one-shot diagnostic path: credentials already verified,
// report the latest meter reading and leave.
func runCheck(ctx context.Context, factory *gateway.Factory) {
	sess := factory.NewSession()
	defer sess.Close()

	reading, err := sess.LatestMeterReading(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read the latest meter index")
		os.Exit(1)
	}
	fmt.Printf("latest meter reading: %.3f\n", reading)
}

func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}
