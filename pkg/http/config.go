package http

import (
	"time"

	"voice-relay/pkg/telephony"
)

// Config holds the HTTP server configuration
type Config struct {
	// Port is the HTTP server port
	Port int `json:"port" env:"PORT" default:"5050"`

	// EnableMetrics determines if the Prometheus endpoint is served
	EnableMetrics bool `json:"enable_metrics" env:"METRICS_ENABLED" default:"true"`

	// PublicHost is used in the stream URL instead of the request Host header
	PublicHost string `json:"public_host" env:"PUBLIC_HOST"`

	// Greeting lines are spoken before the media stream connects
	Greeting []string `json:"greeting" env:"GREETING_TEXT"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`

	// WriteTimeout is the maximum duration before timing out writes of the response
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"10s"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration `json:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// Stream configures accepted media stream websockets
	Stream telephony.Options `json:"-"`
}

// NewDefaultConfig returns a new default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Port:          5050,
		EnableMetrics: true,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		Stream:        telephony.DefaultOptions(),
	}
}

// DefaultConfig returns default configuration for the HTTP server (for compatibility)
func DefaultConfig() *Config {
	return NewDefaultConfig()
}
