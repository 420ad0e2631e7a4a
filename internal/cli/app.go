package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/channel"
	"remindflow/internal/channel/email"
	"remindflow/internal/channel/telegram"
	"remindflow/internal/channel/webhook"
	"remindflow/internal/config"
	"remindflow/internal/digest"
	"remindflow/internal/dispatch"
	"remindflow/internal/resolver"
	"remindflow/internal/scheduler"
	"remindflow/internal/store"
	"remindflow/internal/worker"
)

// App holds the wired components shared by the commands.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       store.Repository
	Channels   *channel.Holder
	Watcher    *config.ChannelWatcher
	Producer   *digest.Producer
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	Service    *scheduler.Service
}

func NewApp(cfg *config.Config) (*App, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(store.Options{Path: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, Repo: store.NewSQLiteRepo(db)}

	a.Channels = channel.NewHolder(channel.NewSet([]string{"email"}))
	a.Watcher = config.NewChannelWatcher(cfg.Channels.File, a.Channels)
	if err := a.Watcher.Reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			db.Close()
			return nil, err
		}
		log.Warn().Str("path", cfg.Channels.File).Msg("channels file not found, nothing can be delivered until it exists")
	}

	httpClient := &http.Client{Timeout: cfg.Digest.FetchTimeout}
	var sources []digest.Source
	for _, sc := range cfg.Digest.Sources {
		if !sc.IsEnabled() {
			continue
		}
		sources = append(sources, digest.NewRSSSource(sc.Name, sc.URL, httpClient))
	}
	a.Producer, err = digest.NewProducer(sources, store.NewSeenStore(db), digest.Options{
		Name:         cfg.Digest.Name,
		MaxPerSource: cfg.Digest.MaxPerSource,
		MaxTotal:     cfg.Digest.MaxTotal,
		FetchTimeout: cfg.Digest.FetchTimeout,
		Retention:    cfg.Digest.DedupRetention,
		Location:     loc,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := channel.NewRegistry(
		email.New(),
		webhook.New(&http.Client{Timeout: cfg.Dispatch.AttemptTimeout}),
		telegram.New(),
	)
	renderer := dispatch.NewRenderer(dispatch.RenderOptions{
		DefaultSubject: cfg.Dispatch.DefaultSubject,
		Signature:      cfg.Dispatch.Signature,
		Location:       loc,
	}, a.Producer)
	a.Dispatcher = dispatch.New(a.Channels, registry, renderer, dispatch.Options{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		BaseDelay:      cfg.Dispatch.RetryBase,
		MaxDelay:       cfg.Dispatch.RetryMaxDelay,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	})

	catchUp, err := scheduler.ParseCatchUp(cfg.Scheduler.CatchUp)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.Pool = worker.NewPool(cfg.Scheduler.Workers)
	res := resolver.New(resolver.WithLocation(loc), resolver.WithHorizon(cfg.Scheduler.Horizon))
	a.Service = scheduler.NewService(a.Repo, a.Dispatcher, res, a.Pool, scheduler.Options{
		TickInterval: cfg.Scheduler.TickInterval,
		StaleAfter:   cfg.Scheduler.StaleAfter,
		CatchUp:      catchUp,
		BatchSize:    cfg.Scheduler.BatchSize,
		Location:     loc,
	})
	a.Service.SetDigestValidator(a.Producer)
	return a, nil
}

// FireNow runs one tick in this process and waits for what it started, so
// tasks due now are delivered without a running server. Claims keep this
// safe next to a live scheduler.
func (a *App) FireNow(cmdTimeout time.Duration) error {
	ctx, cancel := commandContext(cmdTimeout)
	defer cancel()
	if err := a.Service.Tick(ctx, time.Now()); err != nil {
		return fmt.Errorf("firing due tasks: %w", err)
	}
	a.Pool.Wait()
	return nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
