package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the configuration file, applies DOSOLINK_ environment overrides
// and fills default paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetEnvPrefix("DOSOLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".dosolink")
	}

	if cfg.Identity.DBPath == "" {
		cfg.Identity.DBPath = filepath.Join(cfg.DataDir, "identity.db")
	}

	return cfg, nil
}

// bindDefaults registers every key so environment overrides apply even when
// the key is missing from the file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("exchange.request_timeout_ms", cfg.Exchange.RequestTimeoutMs)
	v.SetDefault("exchange.protocol_version", cfg.Exchange.ProtocolVersion)
	v.SetDefault("exchange.server_constraint", cfg.Exchange.ServerConstraint)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.url", cfg.Transport.URL)
	v.SetDefault("transport.shared_secret", cfg.Transport.SharedSecret)
	v.SetDefault("transport.reconnect_delay_ms", cfg.Transport.ReconnectDelayMs)
	v.SetDefault("transport.amqp.exchange", cfg.Transport.AMQP.Exchange)
	v.SetDefault("transport.amqp.routing_key", cfg.Transport.AMQP.RoutingKey)
	v.SetDefault("transport.amqp.reply_queue", cfg.Transport.AMQP.ReplyQueue)
	v.SetDefault("identity.db_path", cfg.Identity.DBPath)
	v.SetDefault("identity.fingerprint", cfg.Identity.Fingerprint)
	v.SetDefault("keepalive.enabled", cfg.Keepalive.Enabled)
	v.SetDefault("keepalive.schedule", cfg.Keepalive.Schedule)
	v.SetDefault("keepalive.max_misses", cfg.Keepalive.MaxMisses)
	v.SetDefault("keepalive.timeout_ms", cfg.Keepalive.TimeoutMs)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.trace_sample", cfg.Metrics.TraceSample)
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.shared_secret", cfg.Server.SharedSecret)
	v.SetDefault("server.tick_interval_ms", cfg.Server.TickIntervalMs)
	v.SetDefault("server.version", cfg.Server.Version)
	v.SetDefault("server.requests_per_minute", cfg.Server.RequestsPerMinute)
	v.SetDefault("server.max_concurrent", cfg.Server.MaxConcurrent)
	v.SetDefault("data_dir", cfg.DataDir)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dosolink", "dosolink.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
