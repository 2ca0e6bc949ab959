// Package config loads server settings from an optional YAML file and YAP_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

type Config struct {
	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		EnableRegister  bool          `mapstructure:"enable_register"`
		AllowAnyOrigin  bool          `mapstructure:"allow_any_origin"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Storage struct {
		Driver string `mapstructure:"driver"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"storage"`

	Hub struct {
		WorkerQueue  int           `mapstructure:"worker_queue"`
		EventQueue   int           `mapstructure:"event_queue"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		Heartbeat    time.Duration `mapstructure:"heartbeat"`
		InboundRate  float64       `mapstructure:"inbound_rate"`
		InboundBurst int           `mapstructure:"inbound_burst"`
	} `mapstructure:"hub"`

	Core struct {
		Queue      int           `mapstructure:"queue"`
		AskTimeout time.Duration `mapstructure:"ask_timeout"`
	} `mapstructure:"core"`

	Shutdown struct {
		DrainPeriod time.Duration `mapstructure:"drain_period"`
	} `mapstructure:"shutdown"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

var defaults = map[string]any{
	"http.addr":             ":8080",
	"http.enable_register":  true,
	"http.allow_any_origin": false,
	"http.shutdown_timeout": 10 * time.Second,
	"storage.driver":        "sqlite",
	"storage.path":          "data/yap.db",
	"hub.worker_queue":      256,
	"hub.event_queue":       1024,
	"hub.write_timeout":     10 * time.Second,
	"hub.heartbeat":         30 * time.Second,
	"hub.inbound_rate":      50.0,
	"hub.inbound_burst":     100,
	"core.queue":            1024,
	"core.ask_timeout":      5 * time.Second,
	"shutdown.drain_period": 2 * time.Second,
	"log.level":             "info",
	"log.format":            "json",
}

// Load reads path if it is not empty, then applies YAP_ environment
// overrides (YAP_HTTP_ADDR for http.addr) over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("YAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var err error
	if c.Hub.WorkerQueue <= 0 {
		err = multierr.Append(err, errors.New("hub.worker_queue must be positive"))
	}
	if c.Hub.EventQueue <= 0 {
		err = multierr.Append(err, errors.New("hub.event_queue must be positive"))
	}
	if c.Core.Queue <= 0 {
		err = multierr.Append(err, errors.New("core.queue must be positive"))
	}
	if c.Core.AskTimeout <= 0 {
		err = multierr.Append(err, errors.New("core.ask_timeout must be positive"))
	}
	if c.Hub.WriteTimeout <= 0 {
		err = multierr.Append(err, errors.New("hub.write_timeout must be positive"))
	}
	return err
}
