package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voice-relay/pkg/errors"
	"voice-relay/pkg/realtime"
	"voice-relay/pkg/tools"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DefaultInstructions is the system message used when none is configured.
const DefaultInstructions = "You are a helpful and bubbly AI assistant who loves to chat about anything the user is " +
	"interested about and is prepared to offer them facts. You have a penchant for dad jokes, " +
	"owl jokes, and rickrolling, subtly. Always stay positive, but work in a joke when appropriate."

// DefaultGreeting is spoken by the telephony platform before the stream connects.
var DefaultGreeting = []string{
	"Please wait while we connect your call to the A. I. voice assistant, powered by Twilio and the Open-A.I. Realtime API",
	"O.K. you can start talking!",
}

// Config represents the complete application configuration
type Config struct {
	OpenAI    OpenAIConfig    `json:"openai"`
	HTTP      HTTPConfig      `json:"http"`
	Assistant AssistantConfig `json:"assistant"`
	Relay     RelayConfig     `json:"relay"`
	Messaging MessagingConfig `json:"messaging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
}

// OpenAIConfig holds the realtime backend connection settings
type OpenAIConfig struct {
	APIKey           string        `json:"-" env:"OPENAI_API_KEY"`
	URL              string        `json:"url" env:"OPENAI_REALTIME_URL"`
	Model            string        `json:"model" env:"OPENAI_REALTIME_MODEL"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" env:"REALTIME_HANDSHAKE_TIMEOUT" default:"10s"`
	WriteTimeout     time.Duration `json:"write_timeout" env:"REALTIME_WRITE_TIMEOUT" default:"5s"`
}

// HTTPConfig holds the webhook and media stream listener settings
type HTTPConfig struct {
	Port         int           `json:"port" env:"PORT" default:"5050"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"10s"`
	// PublicHost overrides the Host header when building the stream URL.
	PublicHost string `json:"public_host" env:"PUBLIC_HOST"`
}

// AssistantConfig describes how the assistant sounds and behaves. It may be
// overridden by a YAML profile.
type AssistantConfig struct {
	Voice        string    `json:"voice" yaml:"voice" env:"VOICE" default:"alloy"`
	Instructions string    `json:"instructions" yaml:"instructions" env:"SYSTEM_MESSAGE"`
	Temperature  float64   `json:"temperature" yaml:"temperature" env:"TEMPERATURE" default:"0.8"`
	Greeting     []string  `json:"greeting" yaml:"greeting" env:"GREETING_TEXT"`
	Tools        []string  `json:"tools" yaml:"tools" env:"ASSISTANT_TOOLS"`
	VAD          VADConfig `json:"vad" yaml:"turn_detection"`
	ProfileFile  string    `json:"profile_file" yaml:"-" env:"ASSISTANT_CONFIG_FILE"`
}

// VADConfig tunes server side voice activity detection
type VADConfig struct {
	Threshold         float64 `json:"threshold" yaml:"threshold" env:"VAD_THRESHOLD"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms" env:"VAD_PREFIX_PADDING_MS"`
	SilenceDurationMs int     `json:"silence_duration_ms" yaml:"silence_duration_ms" env:"VAD_SILENCE_DURATION_MS"`
}

// RelayConfig holds per-call relay behaviour
type RelayConfig struct {
	MediaWriteTimeout time.Duration `json:"media_write_timeout" env:"MEDIA_WRITE_TIMEOUT" default:"5s"`
	ToolTimeout       time.Duration `json:"tool_timeout" env:"TOOL_CALL_TIMEOUT" default:"10s"`
	ClearOnBargeIn    bool          `json:"clear_on_barge_in" env:"CLEAR_ON_BARGE_IN" default:"true"`
}

// MessagingConfig holds call event publishing settings
type MessagingConfig struct {
	AMQPUrl        string        `json:"amqp_url" env:"AMQP_URL"`
	QueueName      string        `json:"queue_name" env:"AMQP_QUEUE_NAME" default:"voice-relay-events"`
	ExchangeName   string        `json:"exchange_name" env:"AMQP_EXCHANGE_NAME"`
	RoutingKey     string        `json:"routing_key" env:"AMQP_ROUTING_KEY"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"AMQP_CONNECT_TIMEOUT" default:"10s"`
	QueueSize      int           `json:"queue_size" env:"AMQP_PUBLISH_QUEUE_SIZE" default:"256"`
}

// Enabled reports whether an AMQP broker is configured
func (m MessagingConfig) Enabled() bool {
	return m.AMQPUrl != ""
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED" default:"true"`
	Path    string `json:"path" env:"METRICS_PATH" default:"/metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// LoadOptions selects explicit files instead of the default search.
type LoadOptions struct {
	EnvFile       string
	AssistantFile string
}

// Load loads the configuration from environment variables or .env file
func Load(logger *logrus.Logger, opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(logger, opts.EnvFile); err != nil {
		return nil, err
	}

	config := &Config{}
	loadOpenAIConfig(&config.OpenAI)
	loadHTTPConfig(&config.HTTP)
	loadRelayConfig(&config.Relay)
	loadMessagingConfig(&config.Messaging)
	loadMetricsConfig(&config.Metrics)
	loadLoggingConfig(logger, &config.Logging)

	if err := loadAssistantConfig(logger, &config.Assistant, opts.AssistantFile); err != nil {
		return nil, errors.Wrap(err, "failed to load assistant configuration")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadEnvFile loads an explicit .env file, or searches the usual locations.
// Missing files are not an error; the environment alone may be enough.
func loadEnvFile(logger *logrus.Logger, explicit string) error {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return errors.Wrap(errors.ErrInvalidInput, "failed to load env file", map[string]interface{}{
				"path":  explicit,
				"error": err.Error(),
			})
		}
		logger.WithField("path", explicit).Info("Loaded env file")
		return nil
	}

	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			logger.WithFields(logrus.Fields{
				"working_dir": wd,
				"path":        absPath,
			}).Info("Successfully loaded .env file")
			return nil
		}
		logger.WithField("path", absPath).Debug("Could not parse .env file")
	}

	logger.WithField("working_dir", wd).Warn("No .env file found, using environment variables only")
	return nil
}

func loadOpenAIConfig(config *OpenAIConfig) {
	config.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	config.URL = getEnv("OPENAI_REALTIME_URL", realtime.DefaultURL)
	config.Model = getEnv("OPENAI_REALTIME_MODEL", realtime.DefaultModel)
	config.HandshakeTimeout = getEnvDuration("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("REALTIME_WRITE_TIMEOUT", 5*time.Second)
}

func loadHTTPConfig(config *HTTPConfig) {
	config.Port = getEnvInt("PORT", 5050)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second)
	config.PublicHost = getEnv("PUBLIC_HOST", "")
}

func loadRelayConfig(config *RelayConfig) {
	config.MediaWriteTimeout = getEnvDuration("MEDIA_WRITE_TIMEOUT", 5*time.Second)
	config.ToolTimeout = getEnvDuration("TOOL_CALL_TIMEOUT", 10*time.Second)
	config.ClearOnBargeIn = getEnvBool("CLEAR_ON_BARGE_IN", true)
}

func loadMessagingConfig(config *MessagingConfig) {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.QueueName = getEnv("AMQP_QUEUE_NAME", "voice-relay-events")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", "")
	config.ConnectTimeout = getEnvDuration("AMQP_CONNECT_TIMEOUT", 10*time.Second)
	config.QueueSize = getEnvInt("AMQP_PUBLISH_QUEUE_SIZE", 256)
}

func loadMetricsConfig(config *MetricsConfig) {
	config.Enabled = getEnvBool("METRICS_ENABLED", true)
	config.Path = getEnv("METRICS_PATH", "/metrics")
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadAssistantConfig(logger *logrus.Logger, config *AssistantConfig, profile string) error {
	config.Voice = getEnv("VOICE", realtime.DefaultVoice)
	config.Instructions = getEnv("SYSTEM_MESSAGE", DefaultInstructions)
	config.Temperature = getEnvFloat("TEMPERATURE", realtime.DefaultTemperature)
	config.Greeting = getEnvList("GREETING_TEXT", "|", DefaultGreeting)
	config.Tools = getEnvList("ASSISTANT_TOOLS", ",", []string{tools.CurrentTimeName, tools.EndCallName})
	config.VAD = VADConfig{
		Threshold:         getEnvFloat("VAD_THRESHOLD", 0),
		PrefixPaddingMs:   getEnvInt("VAD_PREFIX_PADDING_MS", 0),
		SilenceDurationMs: getEnvInt("VAD_SILENCE_DURATION_MS", 0),
	}
	config.ProfileFile = getEnv("ASSISTANT_CONFIG_FILE", "")
	if profile != "" {
		config.ProfileFile = profile
	}

	if config.ProfileFile == "" {
		return nil
	}
	if err := config.LoadProfile(config.ProfileFile); err != nil {
		return err
	}
	logger.WithField("path", config.ProfileFile).Info("Loaded assistant profile")
	return nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.Wrap(errors.ErrInvalidInput, "OPENAI_API_KEY is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("invalid PORT: %d", c.HTTP.Port))
	}
	if c.Assistant.Temperature < 0.6 || c.Assistant.Temperature > 1.2 {
		return errors.Wrap(errors.ErrInvalidInput,
			fmt.Sprintf("invalid TEMPERATURE %.2f: must be between 0.6 and 1.2", c.Assistant.Temperature))
	}
	if c.Assistant.VAD.Threshold < 0 || c.Assistant.VAD.Threshold > 1 {
		return errors.Wrap(errors.ErrInvalidInput,
			fmt.Sprintf("invalid VAD_THRESHOLD %.2f: must be between 0 and 1", c.Assistant.VAD.Threshold))
	}
	if c.OpenAI.HandshakeTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "invalid REALTIME_HANDSHAKE_TIMEOUT: must be a positive duration")
	}
	if c.Relay.ToolTimeout <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "invalid TOOL_CALL_TIMEOUT: must be a positive duration")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.Wrap(errors.ErrInvalidInput, fmt.Sprintf("invalid METRICS_PATH: %s", c.Metrics.Path))
	}
	if c.Messaging.Enabled() && c.Messaging.QueueName == "" {
		return errors.Wrap(errors.ErrInvalidInput, "AMQP_URL is set but AMQP_QUEUE_NAME is empty")
	}
	return nil
}

// SessionConfig returns the session.update body for a new call.
func (c *Config) SessionConfig(definitions []realtime.Tool) realtime.SessionConfig {
	session := realtime.DefaultSessionConfig()
	session.Instructions = c.Assistant.Instructions
	session.Voice = c.Assistant.Voice
	session.Temperature = c.Assistant.Temperature
	session.TurnDetection = &realtime.TurnDetection{
		Type:              realtime.VADServerVAD,
		Threshold:         c.Assistant.VAD.Threshold,
		PrefixPaddingMs:   c.Assistant.VAD.PrefixPaddingMs,
		SilenceDurationMs: c.Assistant.VAD.SilenceDurationMs,
	}
	if len(definitions) > 0 {
		session.Tools = definitions
		session.ToolChoice = "auto"
	}
	return session
}

// ApplyLogging applies the configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}

// getEnvList splits a delimited variable, dropping empty entries
func getEnvList(key, sep string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
