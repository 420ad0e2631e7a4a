package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"remindflow/internal/api"
	"remindflow/internal/scheduler"
)

var (
	serveAddr  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run the scheduler tick loop, the channel file watcher and the HTTP API until
interrupted. Tasks left firing by a previous crash are recovered on start.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP bind address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "expose pprof handlers under /debug/pprof")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Channels.Watch {
		go func() {
			if err := app.Watcher.Watch(ctx); err != nil {
				log.Warn().Err(err).Msg("channel watcher stopped, reloads disabled")
			}
		}()
	}

	if err := app.Service.Start(ctx); err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(app.Service, app.Producer, api.Options{Debug: serveDebug}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Health.SystemdNotify {
		notifySystemd(ctx, app.Service)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("http server failed")
	}

	log.Info().Msg("shutting down")
	if cfg.Health.SystemdNotify {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	app.Service.Stop()
	return runErr
}

// notifySystemd reports readiness and, when the unit has a watchdog, pings it
// only while the tick loop is healthy.
func notifySystemd(ctx context.Context, svc *scheduler.Service) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify failed")
	} else if !ok {
		log.Debug().Msg("not running under systemd, notifications disabled")
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if h := svc.Health(now); h.Healthy {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				} else {
					log.Warn().Dur("lag", h.Lag).Msg("scheduler stalled, withholding watchdog ping")
				}
			}
		}
	}()
}
