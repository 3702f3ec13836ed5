package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	WS       WSConfig       `mapstructure:"ws" yaml:"ws"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Autosave AutosaveConfig `mapstructure:"autosave" yaml:"autosave"`
	CORS     CORSConfig     `mapstructure:"cors" yaml:"cors"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

type WSConfig struct {
	SendBuffer        int     `mapstructure:"send_buffer" yaml:"send_buffer"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second" yaml:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst" yaml:"message_burst"`
}

type APIConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst" yaml:"request_burst"`
}

type AutosaveConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Keep     int           `mapstructure:"keep" yaml:"keep"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/codepair.db",
			RedisAddr:  "localhost:6379",
		},
		WS: WSConfig{
			SendBuffer:        256,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
		API: APIConfig{
			RequestsPerSecond: 20,
			RequestBurst:      40,
		},
		Autosave: AutosaveConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			Keep:     20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, redis", c.Store.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not console or json", c.Log.Format))
	}

	if c.WS.SendBuffer <= 0 {
		errs = append(errs, errors.New("ws.send_buffer must be positive"))
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.MessageBurst <= 0 {
		errs = append(errs, errors.New("ws.messages_per_second and ws.message_burst must be positive"))
	}
	if c.API.RequestsPerSecond <= 0 || c.API.RequestBurst <= 0 {
		errs = append(errs, errors.New("api.requests_per_second and api.request_burst must be positive"))
	}
	if c.Autosave.Enabled && (c.Autosave.Interval <= 0 || c.Autosave.Keep <= 0) {
		errs = append(errs, errors.New("autosave.interval and autosave.keep must be positive when autosave is enabled"))
	}

	return errors.Join(errs...)
}
