package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/session"
	"github.com/relabs-tech/shake_relax/internal/watcher"
)

// Sensor sources selectable with SENSOR_SOURCE.
const (
	SourceMock    = "mock"
	SourceMQTT    = "mqtt"
	SourceMPU9250 = "mpu9250"
	SourceSerial  = "serial"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDRelax    string
	MQTTClientIDWatcher  string
	MQTTClientIDProducer string
	MQTTClientIDWeb      string
	MQTTClientIDDisplay  string
	MQTTClientIDConsole  string

	// Topics
	TopicAccel          string
	TopicSessionState   string
	TopicSessionCommand string
	TopicSessionRecord  string
	TopicBreath         string
	TopicFeedback       string
	TopicRoute          string
	TopicNavigate       string
	TopicAppState       string

	// Accelerometer source
	SensorSource    string
	IMUSPIDevice    string
	IMUCSPin        string
	IMUAccelRange   byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	CalibrationFile string
	SerialPort      string
	SerialBaudRate  int

	// Session estimator and controller
	SessionSampleInterval int // milliseconds
	SessionAlpha          float64
	SessionGrace          int // milliseconds
	SessionSustain        int // milliseconds
	SessionStillFloor     float64
	SessionNormalization  float64
	SessionTickInterval   int // milliseconds

	// Global watcher
	WatcherSampleInterval int // milliseconds
	WatcherAlpha          float64
	WatcherStart          float64
	WatcherStop           float64
	WatcherGrace          int // milliseconds
	WatcherSustain        int // milliseconds
	WatcherTargetRoute    string

	// Storage
	DBPath       string
	UserID       string
	SettingsPath string

	// Web Server
	WebServerPort int
	MetricsPort   int
	JWTSecret     string

	// Logging
	LogLevel string
	LogDir   string

	// Display
	DisplayI2CBus         string
	DisplayUpdateInterval int // milliseconds
}

// Package-level unexported variables for the singleton: InitGlobal sets
// globalConfig once under configMu, Get reads it under the read lock.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns the values the app ships with. A config file only has to
// name what it changes.
func Defaults() *Config {
	return &Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDRelax:    "shake-relax-session",
		MQTTClientIDWatcher:  "shake-relax-watcher",
		MQTTClientIDProducer: "shake-relax-accel",
		MQTTClientIDWeb:      "shake-relax-web",
		MQTTClientIDDisplay:  "shake-relax-display",
		MQTTClientIDConsole:  "shake-relax-console",

		TopicAccel:          "shake_relax/accel",
		TopicSessionState:   "shake_relax/session/state",
		TopicSessionCommand: "shake_relax/session/command",
		TopicSessionRecord:  "shake_relax/session/record",
		TopicBreath:         "shake_relax/session/breath",
		TopicFeedback:       "shake_relax/feedback",
		TopicRoute:          "shake_relax/app/route",
		TopicNavigate:       "shake_relax/app/navigate",
		TopicAppState:       "shake_relax/app/state",

		SensorSource:   SourceMock,
		IMUSPIDevice:   "/dev/spidev0.0",
		IMUCSPin:       "GPIO8",
		IMUAccelRange:  0,
		SerialBaudRate: 115200,

		SessionSampleInterval: 45,
		SessionAlpha:          0.18,
		SessionGrace:          1000,
		SessionSustain:        2800,
		SessionStillFloor:     0.06,
		SessionNormalization:  1.2,
		SessionTickInterval:   100,

		WatcherSampleInterval: 45,
		WatcherAlpha:          0.18,
		WatcherStart:          0.24,
		WatcherStop:           0.12,
		WatcherGrace:          900,
		WatcherSustain:        1500,
		WatcherTargetRoute:    "Session",

		DBPath:       "data/sessions.db",
		UserID:       "local",
		SettingsPath: "data/prefs.yaml",

		WebServerPort: 8080,
		MetricsPort:   9102,

		LogLevel: "info",

		DisplayUpdateInterval: 200,
	}
}

// Load reads the configuration file over Defaults and returns the result.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseMillis(key, value string) (int, error) {
	v, err := parseInt(key, value)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must be >= 0 ms, got %d", key, v)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_RELAX":
		c.MQTTClientIDRelax = value
	case "MQTT_CLIENT_ID_WATCHER":
		c.MQTTClientIDWatcher = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_ACCEL":
		c.TopicAccel = value
	case "TOPIC_SESSION_STATE":
		c.TopicSessionState = value
	case "TOPIC_SESSION_COMMAND":
		c.TopicSessionCommand = value
	case "TOPIC_SESSION_RECORD":
		c.TopicSessionRecord = value
	case "TOPIC_BREATH":
		c.TopicBreath = value
	case "TOPIC_FEEDBACK":
		c.TopicFeedback = value
	case "TOPIC_ROUTE":
		c.TopicRoute = value
	case "TOPIC_NAVIGATE":
		c.TopicNavigate = value
	case "TOPIC_APP_STATE":
		c.TopicAppState = value

	// Accelerometer source
	case "SENSOR_SOURCE":
		c.SensorSource = strings.ToLower(value)
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		rangeVal, err := parseInt(key, value)
		if err != nil {
			return err
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", rangeVal)
		}
		c.IMUAccelRange = byte(rangeVal)
	case "CALIBRATION_FILE":
		c.CalibrationFile = value
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = parseInt(key, value)

	// Session
	case "SESSION_SAMPLE_INTERVAL":
		c.SessionSampleInterval, err = parseMillis(key, value)
	case "SESSION_ALPHA":
		c.SessionAlpha, err = parseFloat(key, value)
	case "SESSION_GRACE":
		c.SessionGrace, err = parseMillis(key, value)
	case "SESSION_SUSTAIN":
		c.SessionSustain, err = parseMillis(key, value)
	case "SESSION_STILL_FLOOR":
		c.SessionStillFloor, err = parseFloat(key, value)
	case "SESSION_NORMALIZATION":
		c.SessionNormalization, err = parseFloat(key, value)
	case "SESSION_TICK_INTERVAL":
		c.SessionTickInterval, err = parseMillis(key, value)

	// Watcher
	case "WATCHER_SAMPLE_INTERVAL":
		c.WatcherSampleInterval, err = parseMillis(key, value)
	case "WATCHER_ALPHA":
		c.WatcherAlpha, err = parseFloat(key, value)
	case "WATCHER_START":
		c.WatcherStart, err = parseFloat(key, value)
	case "WATCHER_STOP":
		c.WatcherStop, err = parseFloat(key, value)
	case "WATCHER_GRACE":
		c.WatcherGrace, err = parseMillis(key, value)
	case "WATCHER_SUSTAIN":
		c.WatcherSustain, err = parseMillis(key, value)
	case "WATCHER_TARGET_ROUTE":
		c.WatcherTargetRoute = value

	// Storage
	case "DB_PATH":
		c.DBPath = value
	case "USER_ID":
		c.UserID = value
	case "SETTINGS_PATH":
		c.SettingsPath = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)
	case "METRICS_PORT":
		c.MetricsPort, err = parseInt(key, value)
	case "JWT_SECRET":
		c.JWTSecret = value

	// Logging
	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)
	case "LOG_DIR":
		c.LogDir = value

	// Display
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseMillis(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks required fields and cross-field constraints.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	switch c.SensorSource {
	case SourceMock, SourceMQTT:
	case SourceMPU9250:
		if c.IMUSPIDevice == "" || c.IMUCSPin == "" {
			return fmt.Errorf("IMU_SPI_DEVICE and IMU_CS_PIN are required for SENSOR_SOURCE=mpu9250")
		}
	case SourceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for SENSOR_SOURCE=serial")
		}
		if c.SerialBaudRate <= 0 {
			return fmt.Errorf("SERIAL_BAUD_RATE must be > 0")
		}
	default:
		return fmt.Errorf("SENSOR_SOURCE must be one of mock, mqtt, mpu9250, serial; got %q", c.SensorSource)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT out of range: %d", c.WebServerPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort+MetricsProducer > 65535 {
		return fmt.Errorf("METRICS_PORT out of range: %d", c.MetricsPort)
	}
	if c.DisplayUpdateInterval == 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error; got %q", c.LogLevel)
	}

	// Every profile has to produce a valid estimator.
	for _, s := range []session.Sensitivity{session.SensitivityLow, session.SensitivityMedium, session.SensitivityHigh} {
		if err := c.SessionEstimator(s).Validate(); err != nil {
			return fmt.Errorf("session estimator (%s): %w", s, err)
		}
	}
	if err := c.SessionOptions().Validate(); err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	if err := c.WatcherEstimator().Validate(); err != nil {
		return fmt.Errorf("watcher estimator: %w", err)
	}
	if err := c.WatcherConfig().Validate(); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// SessionEstimator returns the estimator config for a sensitivity profile.
func (c *Config) SessionEstimator(s session.Sensitivity) motion.Config {
	return s.Apply(motion.Config{
		SampleInterval: ms(c.SessionSampleInterval),
		Alpha:          c.SessionAlpha,
		Grace:          ms(c.SessionGrace),
	})
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Sustain:       ms(c.SessionSustain),
		StillFloor:    c.SessionStillFloor,
		Normalization: c.SessionNormalization,
		TickInterval:  ms(c.SessionTickInterval),
	}
}

func (c *Config) WatcherEstimator() motion.Config {
	return motion.Config{
		SampleInterval: ms(c.WatcherSampleInterval),
		Alpha:          c.WatcherAlpha,
		StartThreshold: c.WatcherStart,
		StopThreshold:  c.WatcherStop,
		Grace:          ms(c.WatcherGrace),
	}
}

func (c *Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		Sustain:     ms(c.WatcherSustain),
		TargetRoute: c.WatcherTargetRoute,
	}
}

// Metrics endpoints of the services that run side by side on one host.
const (
	MetricsRelax = iota
	MetricsWatcher
	MetricsProducer
)

// MetricsPortFor returns METRICS_PORT plus the service offset, or 0 when
// metrics are off.
func (c *Config) MetricsPortFor(service int) int {
	if c.MetricsPort == 0 {
		return 0
	}
	return c.MetricsPort + service
}

func (c *Config) DisplayInterval() time.Duration {
	return ms(c.DisplayUpdateInterval)
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
