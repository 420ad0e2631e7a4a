package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "REMINDFLOW"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("remindflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/remindflow")
		v.AddConfigPath("/etc/remindflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Relative channel files live next to the config file.
	if used := v.ConfigFileUsed(); used != "" && cfg.Channels.File != "" && !filepath.IsAbs(cfg.Channels.File) {
		candidate := filepath.Join(filepath.Dir(used), cfg.Channels.File)
		if _, err := os.Stat(candidate); err == nil {
			cfg.Channels.File = candidate
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.busy_timeout", cfg.Database.BusyTimeout)

	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	v.SetDefault("scheduler.workers", cfg.Scheduler.Workers)
	v.SetDefault("scheduler.catch_up", cfg.Scheduler.CatchUp)
	v.SetDefault("scheduler.stale_after", cfg.Scheduler.StaleAfter)
	v.SetDefault("scheduler.horizon", cfg.Scheduler.Horizon)
	v.SetDefault("scheduler.batch_size", cfg.Scheduler.BatchSize)
	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)

	v.SetDefault("dispatch.max_retries", cfg.Dispatch.MaxRetries)
	v.SetDefault("dispatch.retry_base", cfg.Dispatch.RetryBase)
	v.SetDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay)
	v.SetDefault("dispatch.attempt_timeout", cfg.Dispatch.AttemptTimeout)
	v.SetDefault("dispatch.default_subject", cfg.Dispatch.DefaultSubject)
	v.SetDefault("dispatch.signature", cfg.Dispatch.Signature)

	v.SetDefault("channels.file", cfg.Channels.File)
	v.SetDefault("channels.watch", cfg.Channels.Watch)

	v.SetDefault("digest.name", cfg.Digest.Name)
	v.SetDefault("digest.fetch_timeout", cfg.Digest.FetchTimeout)
	v.SetDefault("digest.dedup_retention", cfg.Digest.DedupRetention)
	v.SetDefault("digest.max_per_source", cfg.Digest.MaxPerSource)
	v.SetDefault("digest.max_total", cfg.Digest.MaxTotal)
	v.SetDefault("digest.default_cron", cfg.Digest.DefaultCron)
	// digest.sources is a list and only comes from the file.

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)

	v.SetDefault("health.systemd_notify", cfg.Health.SystemdNotify)
}

func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
				v.Set(key, envVal)
			}
		}
	}
}

func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if cfg.Database.Path == "" {
		add("database.path is required")
	}
	s := cfg.Scheduler
	if s.TickInterval < 10*time.Millisecond {
		add("scheduler.tick_interval must be at least 10ms, got %s", s.TickInterval)
	}
	if s.Workers < 1 {
		add("scheduler.workers must be positive, got %d", s.Workers)
	}
	switch s.CatchUp {
	case "replay_one", "replay_all", "skip":
	default:
		add("scheduler.catch_up must be replay_one, replay_all or skip, got %q", s.CatchUp)
	}
	if s.StaleAfter != 0 && s.StaleAfter < s.TickInterval {
		add("scheduler.stale_after must not be shorter than the tick interval")
	}
	if s.Horizon <= 0 {
		add("scheduler.horizon must be positive")
	}
	if _, err := s.Location(); err != nil {
		add("scheduler.timezone: %v", err)
	}

	d := cfg.Dispatch
	if d.MaxRetries < 0 {
		add("dispatch.max_retries must not be negative")
	}
	if d.RetryBase <= 0 || d.RetryMaxDelay < d.RetryBase {
		add("dispatch.retry_base must be positive and not above dispatch.retry_max_delay")
	}
	if d.AttemptTimeout <= 0 {
		add("dispatch.attempt_timeout must be positive")
	}

	dg := cfg.Digest
	if dg.MaxPerSource < 1 || dg.MaxTotal < 1 {
		add("digest.max_per_source and digest.max_total must be positive")
	}
	if dg.DefaultCron != "" {
		if _, err := cron.ParseStandard(dg.DefaultCron); err != nil {
			add("digest.default_cron: %v", err)
		}
	}
	seen := make(map[string]bool)
	for i, src := range dg.Sources {
		switch {
		case src.Name == "":
			add("digest.sources[%d].name is required", i)
		case seen[src.Name]:
			add("digest.sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = true
		if src.Kind != "" && src.Kind != "rss" {
			add("digest.sources[%d]: unsupported kind %q", i, src.Kind)
		}
		if src.URL == "" {
			add("digest.sources[%d].url is required", i)
		}
	}

	switch cfg.Logging.Format {
	case "console", "json":
	default:
		add("logging.format must be console or json, got %q", cfg.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
