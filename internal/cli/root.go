// Package cli implements the remindflow command line.
package cli

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"remindflow/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "remindflow",
	Short: "Reminders and scheduled digests delivered to email, webhooks and Telegram",
	Long: `remindflow schedules one-shot reminders and recurring digests and delivers
them through the channels configured in channels.yaml.

Start the scheduler and HTTP API:
  remindflow serve

Remind yourself in 25 minutes:
  remindflow remind 25m "take a break"

Send a news digest every weekday at 08:00:
  remindflow news schedule --cron "0 8 * * 1-5"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg.Logging)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./remindflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// setupLogging configures the global zerolog logger from config. Console
// output goes to stderr; a log file, when set, is rotated by lumberjack.
func setupLogging(lc config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lc.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if lc.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	if lc.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotating)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}
