package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kuatovakamila/track-facility-akimat/internal/config"
	"github.com/kuatovakamila/track-facility-akimat/internal/flow"
	"github.com/kuatovakamila/track-facility-akimat/internal/gpio"
	"github.com/kuatovakamila/track-facility-akimat/internal/logger"
	"github.com/kuatovakamila/track-facility-akimat/internal/mqtt"
	"github.com/kuatovakamila/track-facility-akimat/internal/sensor"
	"github.com/kuatovakamila/track-facility-akimat/internal/status"
	"github.com/kuatovakamila/track-facility-akimat/internal/subject"
	"github.com/kuatovakamila/track-facility-akimat/internal/submit"
	"github.com/kuatovakamila/track-facility-akimat/internal/web"
)

type runFlags struct {
	kioskID     string
	httpAddr    string
	autoRestart time.Duration
	startNow    bool
	gpio        bool
}

// NewRunCommand runs the kiosk daemon in the foreground.
func NewRunCommand() *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kiosk daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rf.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "track-facility")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			log.Info("track-facility starting", zap.String("version", version), zap.String("kiosk_id", cfg.KioskID))
			return run(cmd.Context(), cfg, rf.startNow, log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.kioskID, "kiosk-id", "", "kiosk identifier")
	f.StringVar(&rf.httpAddr, "http", "", `HTTP status address ("off" disables)`)
	f.DurationVar(&rf.autoRestart, "auto-restart", 0, "start a new flow this long after one ends (0 disables)")
	f.BoolVar(&rf.startNow, "start", false, "start a flow immediately")
	f.BoolVar(&rf.gpio, "gpio", false, "enable the GPIO start button")
	return cmd
}

func (rf runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("kiosk-id") {
		cfg.KioskID = rf.kioskID
	}
	if f.Changed("http") {
		cfg.HTTP.Addr = rf.httpAddr
		if rf.httpAddr == "off" {
			cfg.HTTP.Addr = ""
		}
	}
	if f.Changed("auto-restart") {
		cfg.Flow.AutoRestartMs = rf.autoRestart.Milliseconds()
	}
	if f.Changed("gpio") {
		cfg.GPIO.Enabled = rf.gpio
	}
}

func run(ctx context.Context, cfg *config.Config, startNow bool, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lc, err := cfg.Logic()
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	opener, err := newOpener(cfg, rdb, log)
	if err != nil {
		return err
	}
	endpoint, closeEndpoint, err := newEndpoint(cfg, log)
	if err != nil {
		return err
	}
	defer closeEndpoint()

	tracker := status.NewTracker(time.Now(), status.Config{
		KioskID:     cfg.KioskID,
		Transport:   cfg.Sensor.Transport,
		Endpoint:    cfg.Submit.Kind,
		Sequence:    lc.Sequence,
		Threshold:   lc.Threshold,
		TimeoutMs:   lc.Timeout.Milliseconds(),
		HeartbeatMs: cfg.MQTT.HeartbeatMs,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	})

	sinks := flow.Sinks{tracker}
	var publisher *mqtt.RealPublisher
	if cfg.MQTT.Broker != "" {
		publisher, err = mqtt.NewRealPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			KioskID:     cfg.KioskID,
		}, log)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer publisher.Close()
		mqttSink := mqtt.NewNotificationSink(publisher, log, mqtt.DefaultSinkQueue)
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}
	hub := web.NewHub(log)
	sinks = append(sinks, hub)

	kiosk := NewKiosk(ctx, lc, flow.Deps{
		Open:          opener,
		Endpoint:      endpoint,
		Subjects:      newSubjects(cfg, rdb),
		Sink:          sinks,
		Logger:        log,
		SubmitTimeout: config.Millis(cfg.Flow.SubmitTimeoutMs),
	}, tracker, config.Millis(cfg.Flow.AutoRestartMs))

	lp := loop{
		kiosk:   kiosk,
		tracker: tracker,
		logger:  log,
		now:     time.Now,
	}
	if publisher != nil {
		lp.publisher = publisher
		lp.mqttStatus = publisher
		lp.publishStartup()
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, kiosk, hub, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("http server error", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("http status server listening", zap.String("addr", cfg.HTTP.Addr))
	}

	if cfg.GPIO.Enabled {
		button, err := gpio.NewRealButton(cfg.GPIO.Chip, cfg.GPIO.Pin, cfg.GPIO.ActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer button.Close()
		ticker := time.NewTicker(config.Millis(cfg.GPIO.PollMs))
		defer ticker.Stop()
		lp.button = button
		lp.edge = gpio.NewEdge(config.Millis(cfg.GPIO.DebounceMs))
		lp.tick = ticker.C
	}

	if cfg.MQTT.HeartbeatMs > 0 && publisher != nil {
		hb := time.NewTicker(config.Millis(cfg.MQTT.HeartbeatMs))
		defer hb.Stop()
		lp.heartbeat = hb.C
	}

	if startNow {
		if _, err := kiosk.StartFlow(""); err != nil {
			log.Error("failed to start flow", zap.Error(err))
		}
	}

	log.Info("started",
		zap.String("transport", cfg.Sensor.Transport),
		zap.String("endpoint", cfg.Submit.Kind),
		zap.Any("sequence", lc.Sequence),
		zap.Bool("gpio", cfg.GPIO.Enabled),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	lp.sig = sigCh

	return lp.run()
}

func newOpener(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (sensor.Opener, error) {
	switch cfg.Sensor.Transport {
	case config.TransportWebSocket:
		return sensor.NewWebSocketOpener(sensor.WebSocketConfig{
			URL:         cfg.Sensor.URL,
			DialTimeout: 10 * time.Second,
		}, log), nil
	case config.TransportMQTT:
		return sensor.NewMQTTOpener(sensor.MQTTConfig{
			Broker:      cfg.SensorBroker(),
			ClientID:    "track-facility-" + cfg.KioskID + "-sensor",
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.Sensor.TopicPrefix,
			QoS:         1,
		}, log), nil
	case config.TransportRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis transport: no redis client")
		}
		return sensor.NewRedisOpener(rdb, sensor.RedisConfig{ChannelPrefix: cfg.Sensor.ChannelPrefix}, log), nil
	}
	return nil, fmt.Errorf("unknown sensor transport %q", cfg.Sensor.Transport)
}

func newEndpoint(cfg *config.Config, log *zap.Logger) (submit.Endpoint, func(), error) {
	switch cfg.Submit.Kind {
	case config.EndpointHTTP:
		headers := map[string]string{}
		if cfg.Submit.Token != "" {
			headers["Authorization"] = "Bearer " + cfg.Submit.Token
		}
		ep := submit.NewHTTPEndpoint(submit.HTTPConfig{
			URL:     cfg.Submit.URL,
			Timeout: config.Millis(cfg.Submit.TimeoutMs),
			Headers: headers,
		}, log)
		return ep, func() {}, nil
	case config.EndpointPostgres:
		db, err := submit.OpenPostgres(cfg.Submit.DSN)
		if err != nil {
			return nil, nil, err
		}
		return submit.NewSQLEndpoint(db, cfg.Submit.Table, log), func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown submission endpoint %q", cfg.Submit.Kind)
}

func newSubjects(cfg *config.Config, rdb *redis.Client) subject.Provider {
	chain := subject.Chain{subject.Static(cfg.Subject.Static)}
	if cfg.Subject.RedisKey != "" && rdb != nil {
		chain = append(chain, subject.NewRedisProvider(rdb, cfg.Subject.RedisKey))
	}
	return chain
}
