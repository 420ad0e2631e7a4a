// Package config loads remindflow settings from remindflow.yaml and
// REMINDFLOW_* environment variables.
package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Workers      int           `mapstructure:"workers"`
	CatchUp      string        `mapstructure:"catch_up"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Horizon      time.Duration `mapstructure:"horizon"`
	BatchSize    int           `mapstructure:"batch_size"`
	Timezone     string        `mapstructure:"timezone"`
}

// Location is the zone for absolute times and cron tasks without one.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

type DispatchConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	DefaultSubject string        `mapstructure:"default_subject"`
	Signature      string        `mapstructure:"signature"`
}

type ChannelsConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

type SourceConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"`
	URL     string `mapstructure:"url"`
	Enabled *bool  `mapstructure:"enabled"`
}

func (s SourceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type DigestConfig struct {
	Name           string         `mapstructure:"name"`
	FetchTimeout   time.Duration  `mapstructure:"fetch_timeout"`
	DedupRetention time.Duration  `mapstructure:"dedup_retention"`
	MaxPerSource   int            `mapstructure:"max_per_source"`
	MaxTotal       int            `mapstructure:"max_total"`
	DefaultCron    string         `mapstructure:"default_cron"`
	Sources        []SourceConfig `mapstructure:"sources"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HealthConfig struct {
	SystemdNotify bool `mapstructure:"systemd_notify"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "remindflow.db",
			BusyTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			Workers:      8,
			CatchUp:      "replay_one",
			Horizon:      30 * 24 * time.Hour,
			BatchSize:    100,
		},
		Dispatch: DispatchConfig{
			MaxRetries:     2,
			RetryBase:      500 * time.Millisecond,
			RetryMaxDelay:  10 * time.Second,
			AttemptTimeout: 10 * time.Second,
			DefaultSubject: "Reminder",
			Signature:      "remindflow",
		},
		Channels: ChannelsConfig{
			File:  "channels.yaml",
			Watch: true,
		},
		Digest: DigestConfig{
			Name:           "News digest",
			FetchTimeout:   15 * time.Second,
			DedupRetention: 7 * 24 * time.Hour,
			MaxPerSource:   10,
			MaxTotal:       30,
			DefaultCron:    "0 8 * * *",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}
