package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Rooms      []string         `mapstructure:"rooms"`
	Cookie     string           `mapstructure:"cookie"`
	Output     OutputConfig     `mapstructure:"output"`
	Segment    SegmentConfig    `mapstructure:"segment"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory"`
}

type SegmentConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	DurationSec int  `mapstructure:"duration_sec"`
}

type ConnectionConfig struct {
	TimeoutSec    int `mapstructure:"timeout_sec"`
	RetryCount    int `mapstructure:"retry_count"`
	RetryDelaySec int `mapstructure:"retry_delay_sec"`
	// HeartbeatEvery is in ticker periods, not seconds; the session
	// ticks once a second.
	HeartbeatEvery int `mapstructure:"heartbeat_every"`
	IdleWarnSec    int `mapstructure:"idle_warn_sec"`
}

type MonitorConfig struct {
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
	CooldownSec     int `mapstructure:"cooldown_sec"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
}

type StatusConfig struct {
	// Addr enables the status HTTP server when non-empty, e.g. ":8080".
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("output.directory", "recordings")
	v.SetDefault("segment.enabled", false)
	v.SetDefault("segment.duration_sec", 1800)
	v.SetDefault("connection.timeout_sec", 10)
	v.SetDefault("connection.retry_count", 3)
	v.SetDefault("connection.retry_delay_sec", 2)
	v.SetDefault("connection.heartbeat_every", 10)
	v.SetDefault("connection.idle_warn_sec", 60)
	v.SetDefault("monitor.poll_interval_sec", 60)
	v.SetDefault("monitor.cooldown_sec", 60)
	v.SetDefault("monitor.max_concurrent", 4)
	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	// Environment variable support
	v.SetEnvPrefix("DANMUREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind top-level keys to env vars
	_ = v.BindEnv("cookie", "DANMUREC_COOKIE")
	_ = v.BindEnv("status.addr", "DANMUREC_STATUS_ADDR")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := ValidateRooms(c.Rooms); err != nil {
		return err
	}
	if c.Segment.Enabled && c.Segment.DurationSec < 1 {
		return fmt.Errorf("segment.duration_sec must be >= 1")
	}
	if c.Connection.TimeoutSec < 1 {
		return fmt.Errorf("connection.timeout_sec must be >= 1")
	}
	if c.Connection.RetryCount < 1 {
		return fmt.Errorf("connection.retry_count must be >= 1")
	}
	if c.Monitor.MaxConcurrent < 1 {
		return fmt.Errorf("monitor.max_concurrent must be >= 1")
	}
	if !validLogLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
