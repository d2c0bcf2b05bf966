package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the dosolink configuration
type Config struct {
	// Exchange
	Exchange ExchangeConfig `json:"exchange" mapstructure:"exchange" yaml:"exchange"`

	// Transport
	Transport TransportConfig `json:"transport" mapstructure:"transport" yaml:"transport"`

	// Identity
	Identity IdentityConfig `json:"identity" mapstructure:"identity" yaml:"identity"`

	// Keepalive
	Keepalive KeepaliveConfig `json:"keepalive" mapstructure:"keepalive" yaml:"keepalive"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging" yaml:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics" yaml:"metrics"`

	// Development server
	Server ServerConfig `json:"server" mapstructure:"server" yaml:"server"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`
}

// ExchangeConfig holds request/response settings
type ExchangeConfig struct {
	RequestTimeoutMs int    `json:"request_timeout_ms" mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	ProtocolVersion  string `json:"protocol_version" mapstructure:"protocol_version" yaml:"protocol_version"`
	ServerConstraint string `json:"server_constraint" mapstructure:"server_constraint" yaml:"server_constraint"`
}

// TransportConfig selects and configures the connection to the remote service
type TransportConfig struct {
	Kind             string     `json:"kind" mapstructure:"kind" yaml:"kind"` // websocket, amqp
	URL              string     `json:"url" mapstructure:"url" yaml:"url"`
	SharedSecret     string     `json:"shared_secret" mapstructure:"shared_secret" yaml:"shared_secret"`
	ReconnectDelayMs int        `json:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	AMQP             AMQPConfig `json:"amqp" mapstructure:"amqp" yaml:"amqp"`
}

// AMQPConfig holds AMQP routing settings
type AMQPConfig struct {
	Exchange   string `json:"exchange" mapstructure:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" mapstructure:"routing_key" yaml:"routing_key"`
	ReplyQueue string `json:"reply_queue" mapstructure:"reply_queue" yaml:"reply_queue"`
}

// IdentityConfig holds identity storage settings
type IdentityConfig struct {
	DBPath      string `json:"db_path" mapstructure:"db_path" yaml:"db_path"`
	Fingerprint string `json:"fingerprint" mapstructure:"fingerprint" yaml:"fingerprint"`
}

// KeepaliveConfig holds keepalive ping settings
type KeepaliveConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Schedule  string `json:"schedule" mapstructure:"schedule" yaml:"schedule"`
	MaxMisses int    `json:"max_misses" mapstructure:"max_misses" yaml:"max_misses"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms" yaml:"timeout_ms"` // 0 uses the request timeout
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" yaml:"level"`
	File      string `json:"file" mapstructure:"file" yaml:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty" yaml:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" yaml:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" yaml:"max_age"`    // days
	Compress  bool   `json:"compress" mapstructure:"compress" yaml:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction" yaml:"redaction"`
}

// MetricsConfig holds metrics and tracing settings
type MetricsConfig struct {
	Addr        string  `json:"addr" mapstructure:"addr" yaml:"addr"`
	TraceSample float64 `json:"trace_sample" mapstructure:"trace_sample" yaml:"trace_sample"`
}

// ServerConfig holds development server configuration
type ServerConfig struct {
	Host           string `json:"host" mapstructure:"host" yaml:"host"`
	Port           int    `json:"port" mapstructure:"port" yaml:"port"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret" yaml:"shared_secret"`
	TickIntervalMs int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	Version        string `json:"version" mapstructure:"version" yaml:"version"`

	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			RequestTimeoutMs: 10000,
			ProtocolVersion:  "1.0.0",
			ServerConstraint: "^1.0.0",
		},
		Transport: TransportConfig{
			Kind:             "websocket",
			URL:              "ws://127.0.0.1:8750/ws",
			ReconnectDelayMs: 2000,
			AMQP: AMQPConfig{
				Exchange:   "doso",
				RoutingKey: "doso.requests",
			},
		},
		Keepalive: KeepaliveConfig{
			Enabled:   true,
			Schedule:  "@every 30s",
			MaxMisses: 3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			TraceSample: 1,
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8750,
			TickIntervalMs:    30000,
			Version:           "1.0.0",
			RequestsPerMinute: 600,
			MaxConcurrent:     32,
		},
	}
}

// RequestTimeout returns the configured request timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Exchange.RequestTimeoutMs) * time.Millisecond
}

// KeepaliveTimeout bounds one keepalive ping, falling back to the request
// timeout
func (c *Config) KeepaliveTimeout() time.Duration {
	if c.Keepalive.TimeoutMs > 0 {
		return time.Duration(c.Keepalive.TimeoutMs) * time.Millisecond
	}
	return c.RequestTimeout()
}

// ReconnectDelay returns the delay between reconnect attempts
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Transport.ReconnectDelayMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Exchange.RequestTimeoutMs < 0 {
		return fmt.Errorf("exchange.request_timeout_ms must not be negative")
	}

	switch c.Transport.Kind {
	case "websocket", "amqp":
	default:
		return fmt.Errorf("invalid transport kind %q (must be: websocket, amqp)", c.Transport.Kind)
	}

	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}

	if c.Transport.Kind == "amqp" && c.Transport.AMQP.RoutingKey == "" {
		return fmt.Errorf("transport.amqp.routing_key is required for amqp transport")
	}

	if c.Keepalive.TimeoutMs < 0 {
		return fmt.Errorf("keepalive.timeout_ms must not be negative")
	}

	if c.Keepalive.Enabled && c.Keepalive.Schedule == "" {
		return fmt.Errorf("keepalive.schedule is required when keepalive is enabled")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}
