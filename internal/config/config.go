// Package config loads kiosk daemon configuration from defaults, an
// optional JSON file and TRACK_* environment variables, in that order.
package config

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/kuatovakamila/track-facility-akimat/internal/logic"
)

// Sensor transports.
const (
	TransportWebSocket = "ws"
	TransportMQTT      = "mqtt"
	TransportRedis     = "redis"
)

// Submission endpoint kinds.
const (
	EndpointHTTP     = "http"
	EndpointPostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	KioskID string        `json:"kioskId"`
	Log     LogConfig     `json:"log"`
	Flow    FlowConfig    `json:"flow"`
	Sensor  SensorConfig  `json:"sensor"`
	Submit  SubmitConfig  `json:"submit"`
	Subject SubjectConfig `json:"subject"`
	Redis   RedisConfig   `json:"redis"`
	MQTT    MQTTConfig    `json:"mqtt"`
	HTTP    HTTPConfig    `json:"http"`
	GPIO    GPIOConfig    `json:"gpio"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// FlowConfig shapes the measurement sequence.
type FlowConfig struct {
	Sequence        []string `json:"sequence"`
	Threshold       int      `json:"threshold"`
	PhaseTimeoutMs  int64    `json:"phaseTimeoutMs"`
	SubmitTimeoutMs int64    `json:"submitTimeoutMs"`
	AutoRestartMs   int64    `json:"autoRestartMs"` // 0 keeps the kiosk idle after a flow
}

// SensorConfig selects and configures the sensor event source.
type SensorConfig struct {
	Transport     string `json:"transport"`
	URL           string `json:"url"`           // ws
	Broker        string `json:"broker"`        // mqtt
	TopicPrefix   string `json:"topicPrefix"`   // mqtt
	ChannelPrefix string `json:"channelPrefix"` // redis
}

// SubmitConfig selects and configures the submission endpoint.
type SubmitConfig struct {
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	Token     string `json:"token"`
	TimeoutMs int64  `json:"timeoutMs"`
	DSN       string `json:"dsn"`
	Table     string `json:"table"`
}

// SubjectConfig lists the subject identifier sources, tried in order.
type SubjectConfig struct {
	Static   string `json:"static"`
	RedisKey string `json:"redisKey"`
}

// RedisConfig is the shared Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MQTTConfig is the notification broker. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `json:"broker"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topicPrefix"`
	HeartbeatMs int64  `json:"heartbeatMs"`
}

// HTTPConfig is the status server.
type HTTPConfig struct {
	Addr string `json:"addr"` // empty disables the server
}

// GPIOConfig is the start button.
type GPIOConfig struct {
	Enabled    bool   `json:"enabled"`
	Chip       string `json:"chip"`
	Pin        int    `json:"pin"`
	ActiveLow  bool   `json:"activeLow"`
	PollMs     int64  `json:"pollMs"`
	DebounceMs int64  `json:"debounceMs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		KioskID: "kiosk-1",
		Log:     LogConfig{Level: "info", Format: "json"},
		Flow: FlowConfig{
			Sequence:        []string{"TEMPERATURE", "PULSE", "ALCOHOL"},
			Threshold:       logic.MaxStabilityTime,
			PhaseTimeoutMs:  logic.DefaultPhaseTimeout.Milliseconds(),
			SubmitTimeoutMs: 30000,
		},
		Sensor: SensorConfig{
			Transport:     TransportWebSocket,
			URL:           "ws://localhost:3001/sensors",
			TopicPrefix:   "facility/station",
			ChannelPrefix: "station:",
		},
		Submit: SubmitConfig{
			Kind:      EndpointHTTP,
			URL:       "http://localhost:8000/api/measurements",
			TimeoutMs: 15000,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		MQTT: MQTTConfig{
			TopicPrefix: "facility/kiosk",
			HeartbeatMs: 900000,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		GPIO: GPIOConfig{
			Chip:       "gpiochip0",
			Pin:        17,
			ActiveLow:  true,
			PollMs:     20,
			DebounceMs: 50,
		},
	}
}

// Load builds the configuration: defaults, then path (if non-empty), then
// the environment. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a JSON file. Fields absent from the file keep their
// current values; an empty file changes nothing.
func (c *Config) LoadFile(path string) error {
	fp, err := os.Open(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open config file %s", path)
	}
	defer fp.Close()

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read config file %s", path)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil
	}
	if err := json.Unmarshal(b, c); err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", path)
	}
	return nil
}

// LoadFromEnv overlays TRACK_* environment variables.
func (c *Config) LoadFromEnv() {
	c.KioskID = getEnv("TRACK_KIOSK_ID", c.KioskID)
	c.Log.Level = getEnv("TRACK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TRACK_LOG_FORMAT", c.Log.Format)

	if v := os.Getenv("TRACK_SEQUENCE"); v != "" {
		c.Flow.Sequence = strings.Split(v, ",")
	}
	c.Flow.Threshold = getEnvInt("TRACK_THRESHOLD", c.Flow.Threshold)
	c.Flow.PhaseTimeoutMs = getEnvInt64("TRACK_PHASE_TIMEOUT_MS", c.Flow.PhaseTimeoutMs)
	c.Flow.SubmitTimeoutMs = getEnvInt64("TRACK_SUBMIT_TIMEOUT_MS", c.Flow.SubmitTimeoutMs)
	c.Flow.AutoRestartMs = getEnvInt64("TRACK_AUTO_RESTART_MS", c.Flow.AutoRestartMs)

	c.Sensor.Transport = getEnv("TRACK_SENSOR_TRANSPORT", c.Sensor.Transport)
	c.Sensor.URL = getEnv("TRACK_SENSOR_URL", c.Sensor.URL)
	c.Sensor.Broker = getEnv("TRACK_SENSOR_BROKER", c.Sensor.Broker)
	c.Sensor.TopicPrefix = getEnv("TRACK_SENSOR_TOPIC_PREFIX", c.Sensor.TopicPrefix)
	c.Sensor.ChannelPrefix = getEnv("TRACK_SENSOR_CHANNEL_PREFIX", c.Sensor.ChannelPrefix)

	c.Submit.Kind = getEnv("TRACK_SUBMIT_KIND", c.Submit.Kind)
	c.Submit.URL = getEnv("TRACK_SUBMIT_URL", c.Submit.URL)
	c.Submit.Token = getEnv("TRACK_SUBMIT_TOKEN", c.Submit.Token)
	c.Submit.TimeoutMs = getEnvInt64("TRACK_SUBMIT_HTTP_TIMEOUT_MS", c.Submit.TimeoutMs)
	c.Submit.DSN = getEnv("TRACK_DB_DSN", c.Submit.DSN)
	c.Submit.Table = getEnv("TRACK_DB_TABLE", c.Submit.Table)

	c.Subject.Static = getEnv("TRACK_SUBJECT_ID", c.Subject.Static)
	c.Subject.RedisKey = getEnv("TRACK_SUBJECT_REDIS_KEY", c.Subject.RedisKey)

	c.Redis.Addr = getEnv("TRACK_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("TRACK_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("TRACK_REDIS_DB", c.Redis.DB)

	c.MQTT.Broker = getEnv("TRACK_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("TRACK_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("TRACK_MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.TopicPrefix = getEnv("TRACK_MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)
	c.MQTT.HeartbeatMs = getEnvInt64("TRACK_HEARTBEAT_MS", c.MQTT.HeartbeatMs)

	c.HTTP.Addr = getEnv("TRACK_HTTP_ADDR", c.HTTP.Addr)

	c.GPIO.Enabled = getEnvBool("TRACK_GPIO_ENABLED", c.GPIO.Enabled)
	c.GPIO.Chip = getEnv("TRACK_GPIO_CHIP", c.GPIO.Chip)
	c.GPIO.Pin = getEnvInt("TRACK_GPIO_PIN", c.GPIO.Pin)
	c.GPIO.ActiveLow = getEnvBool("TRACK_GPIO_ACTIVE_LOW", c.GPIO.ActiveLow)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KioskID) == "" {
		return pkgerrors.New("kiosk id is empty")
	}
	if _, err := c.Logic(); err != nil {
		return err
	}

	switch c.Sensor.Transport {
	case TransportWebSocket:
		if c.Sensor.URL == "" {
			return pkgerrors.New("sensor transport ws requires sensor.url")
		}
	case TransportMQTT:
		if c.Sensor.Broker == "" && c.MQTT.Broker == "" {
			return pkgerrors.New("sensor transport mqtt requires a broker")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return pkgerrors.New("sensor transport redis requires redis.addr")
		}
	default:
		return pkgerrors.Errorf("unknown sensor transport %q", c.Sensor.Transport)
	}

	switch c.Submit.Kind {
	case EndpointHTTP:
		if c.Submit.URL == "" {
			return pkgerrors.New("http endpoint requires submit.url")
		}
	case EndpointPostgres:
		if c.Submit.DSN == "" {
			return pkgerrors.New("postgres endpoint requires submit.dsn")
		}
	default:
		return pkgerrors.Errorf("unknown submission endpoint %q", c.Submit.Kind)
	}

	if c.Subject.RedisKey != "" && c.Redis.Addr == "" {
		return pkgerrors.New("subject.redisKey requires redis.addr")
	}
	if c.Flow.SubmitTimeoutMs < 0 || c.Flow.AutoRestartMs < 0 {
		return pkgerrors.New("timeouts must not be negative")
	}
	if c.GPIO.Enabled && c.GPIO.Pin < 0 {
		return pkgerrors.Errorf("invalid gpio pin %d", c.GPIO.Pin)
	}
	return nil
}

// Logic returns the phase controller configuration.
func (c *Config) Logic() (logic.Config, error) {
	seq, err := logic.ParseSequence(c.Flow.Sequence)
	if err != nil {
		return logic.Config{}, pkgerrors.Wrap(err, "invalid flow sequence")
	}
	lc := logic.Config{
		Sequence:  seq,
		Threshold: c.Flow.Threshold,
		Timeout:   time.Duration(c.Flow.PhaseTimeoutMs) * time.Millisecond,
	}
	if err := lc.Validate(); err != nil {
		return logic.Config{}, pkgerrors.Wrap(err, "invalid flow config")
	}
	return lc, nil
}

// SensorBroker returns the broker used by the MQTT sensor source, falling
// back to the notification broker.
func (c *Config) SensorBroker() string {
	if c.Sensor.Broker != "" {
		return c.Sensor.Broker
	}
	return c.MQTT.Broker
}

// UsesRedis reports whether any component needs the Redis client.
func (c *Config) UsesRedis() bool {
	return c.Sensor.Transport == TransportRedis || c.Subject.RedisKey != ""
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
