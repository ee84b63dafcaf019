// Package config loads mesbus configuration from defaults, an optional YAML
// file and MES_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: MES_DISPATCH__MAX_RETRIES=5 sets dispatch.max_retries.
const EnvPrefix = "MES_"

// Config is the top-level mesbus configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	Transport  TransportConfig  `koanf:"transport" yaml:"transport"`
	Dispatch   DispatchConfig   `koanf:"dispatch" yaml:"dispatch"`
	DeadLetter DeadLetterConfig `koanf:"dead_letter" yaml:"dead_letter"`
	Stats      StatsConfig      `koanf:"stats" yaml:"stats"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Enabled         bool   `koanf:"enabled" yaml:"enabled"`
	Host            string `koanf:"host" yaml:"host"`
	Port            int    `koanf:"port" yaml:"port"`
	Mode            string `koanf:"mode" yaml:"mode"` // debug | release
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig selects the event store backend.
type StoreConfig struct {
	Driver          string `koanf:"driver" yaml:"driver"` // memory | sqlite | postgres
	Path            string `koanf:"path" yaml:"path"`     // sqlite
	DSN             string `koanf:"dsn" yaml:"dsn"`       // postgres
	MaxOpenConns    int    `koanf:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `koanf:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime string `koanf:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool   `koanf:"auto_migrate" yaml:"auto_migrate"`
}

// TransportConfig selects the broadcast transport.
type TransportConfig struct {
	Driver      string      `koanf:"driver" yaml:"driver"` // none | memory | kafka
	BufferSize  int         `koanf:"buffer_size" yaml:"buffer_size"`
	NonBlocking bool        `koanf:"non_blocking" yaml:"non_blocking"`
	Kafka       KafkaConfig `koanf:"kafka" yaml:"kafka"`
}

// KafkaConfig holds broker settings for the kafka driver.
type KafkaConfig struct {
	Brokers      []string `koanf:"brokers" yaml:"brokers"`
	ClientID     string   `koanf:"client_id" yaml:"client_id"`
	// GroupID prefixes the consumer group of each subscription.
	GroupID      string   `koanf:"group_id" yaml:"group_id"`
	StartOffset  string   `koanf:"start_offset" yaml:"start_offset"` // first | last
	WriteTimeout string   `koanf:"write_timeout" yaml:"write_timeout"`
}

// DispatchConfig controls handler retry and timeouts.
type DispatchConfig struct {
	MaxRetries       int     `koanf:"max_retries" yaml:"max_retries"`
	InitialBackoff   string  `koanf:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff       string  `koanf:"max_backoff" yaml:"max_backoff"`
	BackoffFactor    float64 `koanf:"backoff_factor" yaml:"backoff_factor"`
	HandlerTimeout   string  `koanf:"handler_timeout" yaml:"handler_timeout"`
	BroadcastTimeout string  `koanf:"broadcast_timeout" yaml:"broadcast_timeout"`
	PropagateCancel  bool    `koanf:"propagate_cancel" yaml:"propagate_cancel"`
	DrainTimeout     string  `koanf:"drain_timeout" yaml:"drain_timeout"`
}

// DeadLetterConfig selects the dead-letter backend and its retention.
type DeadLetterConfig struct {
	Driver          string `koanf:"driver" yaml:"driver"` // memory | sqlite
	Path            string `koanf:"path" yaml:"path"`
	Retention       string `koanf:"retention" yaml:"retention"` // "0" keeps entries forever
	JanitorInterval string `koanf:"janitor_interval" yaml:"janitor_interval"`
}

// StatsConfig controls statistics bucket retention.
type StatsConfig struct {
	Retention     string `koanf:"retention" yaml:"retention"`
	PruneInterval string `koanf:"prune_interval" yaml:"prune_interval"`
}

// MetricsConfig selects the metrics exporter.
type MetricsConfig struct {
	Exporter string `koanf:"exporter" yaml:"exporter"` // none | prometheus | otel
	Path     string `koanf:"path" yaml:"path"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // json | text
}

// Defaults are applied before the file and the environment.
var Defaults = map[string]any{
	"server.enabled":          true,
	"server.host":             "0.0.0.0",
	"server.port":             8080,
	"server.mode":             "release",
	"server.shutdown_timeout": "10s",

	"store.driver":            "sqlite",
	"store.path":              "mesevents.db",
	"store.dsn":               "",
	"store.max_open_conns":    25,
	"store.max_idle_conns":    25,
	"store.conn_max_lifetime": "5m",
	"store.auto_migrate":      true,

	"transport.driver":              "memory",
	"transport.buffer_size":         256,
	"transport.non_blocking":        false,
	"transport.kafka.brokers":       []string{},
	"transport.kafka.client_id":     "mesbus",
	"transport.kafka.group_id":      "mesbus",
	"transport.kafka.start_offset":  "last",
	"transport.kafka.write_timeout": "5s",

	"dispatch.max_retries":       3,
	"dispatch.initial_backoff":   "100ms",
	"dispatch.max_backoff":       "400ms",
	"dispatch.backoff_factor":    2.0,
	"dispatch.handler_timeout":   "30s",
	"dispatch.broadcast_timeout": "5s",
	"dispatch.propagate_cancel":  false,
	"dispatch.drain_timeout":     "30s",

	"dead_letter.driver":           "memory",
	"dead_letter.path":             "mesevents-dlq.db",
	"dead_letter.retention":        "168h",
	"dead_letter.janitor_interval": "1h",

	"stats.retention":      "720h",
	"stats.prune_interval": "1h",

	"metrics.exporter": "prometheus",
	"metrics.path":     "/metrics",

	"log.level":  "info",
	"log.format": "json",
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue maps MES_TRANSPORT__KAFKA__BROKERS=a:9092,b:9092 to
// transport.kafka.brokers = [a:9092 b:9092].
func envValue(key, value string) (string, any) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if key == "transport.kafka.brokers" {
		var brokers []string
		for _, b := range strings.Split(value, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		return key, brokers
	}
	return key, value
}

// Validate checks enumerations, ranges and that every duration parses.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" && c.Server.Mode != "test" {
		errs = append(errs, fmt.Errorf("invalid server.mode %q", c.Server.Mode))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.driver %q (memory, sqlite, postgres)", c.Store.Driver))
	}

	switch c.Transport.Driver {
	case "none", "memory":
	case "kafka":
		if len(c.Transport.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("transport.kafka.brokers is required for the kafka driver"))
		}
		if o := c.Transport.Kafka.StartOffset; o != "first" && o != "last" {
			errs = append(errs, fmt.Errorf("invalid transport.kafka.start_offset %q (first, last)", o))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid transport.driver %q (none, memory, kafka)", c.Transport.Driver))
	}

	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid dispatch.max_retries %d (must be >= 0)", c.Dispatch.MaxRetries))
	}
	if c.Dispatch.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("invalid dispatch.backoff_factor %v (must be >= 1)", c.Dispatch.BackoffFactor))
	}

	switch c.DeadLetter.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.DeadLetter.Path) == "" {
			errs = append(errs, errors.New("dead_letter.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid dead_letter.driver %q (memory, sqlite)", c.DeadLetter.Driver))
	}

	switch c.Metrics.Exporter {
	case "none", "prometheus", "otel":
	default:
		errs = append(errs, fmt.Errorf("invalid metrics.exporter %q (none, prometheus, otel)", c.Metrics.Exporter))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log.format %q (json, text)", c.Log.Format))
	}

	durations := map[string]string{
		"server.shutdown_timeout":       c.Server.ShutdownTimeout,
		"store.conn_max_lifetime":       c.Store.ConnMaxLifetime,
		"transport.kafka.write_timeout": c.Transport.Kafka.WriteTimeout,
		"dispatch.initial_backoff":      c.Dispatch.InitialBackoff,
		"dispatch.max_backoff":          c.Dispatch.MaxBackoff,
		"dispatch.handler_timeout":      c.Dispatch.HandlerTimeout,
		"dispatch.broadcast_timeout":    c.Dispatch.BroadcastTimeout,
		"dispatch.drain_timeout":        c.Dispatch.DrainTimeout,
		"dead_letter.retention":         c.DeadLetter.Retention,
		"dead_letter.janitor_interval":  c.DeadLetter.JanitorInterval,
		"stats.retention":               c.Stats.Retention,
		"stats.prune_interval":          c.Stats.PruneInterval,
	}
	for _, key := range sortedKeys(durations) {
		d, err := time.ParseDuration(durations[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", key, durations[key], err))
			continue
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q (must not be negative)", key, durations[key]))
		}
	}

	return errors.Join(errs...)
}

// Dump renders the configuration as YAML.
func Dump(c *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
