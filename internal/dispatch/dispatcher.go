// Package dispatch fans a rendered task out to its channels and aggregates
// the per-channel results into an execution record.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"remindflow/internal/channel"
	"remindflow/internal/domain"
	"remindflow/internal/metrics"
)

const ReasonNoChannel = "no channel configured"

type Options struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
}

// ChannelSource yields the channel snapshot used for one dispatch.
type ChannelSource interface {
	Current() *channel.Set
}

type limiterEntry struct {
	limit rate.Limit
	burst int
	lim   *rate.Limiter
}

type Dispatcher struct {
	channels ChannelSource
	registry *channel.Registry
	renderer *Renderer
	opts     Options
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	limMu    sync.Mutex
	limiters map[string]*limiterEntry
}

func New(channels ChannelSource, registry *channel.Registry, renderer *Renderer, opts Options) *Dispatcher {
	opts.setDefaults()
	if renderer == nil {
		renderer = NewRenderer(RenderOptions{}, nil)
	}
	return &Dispatcher{
		channels: channels,
		registry: registry,
		renderer: renderer,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		limiters: make(map[string]*limiterEntry),
	}
}

// Dispatch renders the task and delivers it to every target channel
// concurrently. It never returns an error: every failure ends up in the
// record.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) (rec domain.ExecutionRecord) {
	start := d.now()
	rec = domain.ExecutionRecord{TaskID: task.ID, ScheduledFor: start, FiredAt: start}
	if task.NextFireAt != nil {
		rec.ScheduledFor = *task.NextFireAt
	}
	defer func() {
		rec.FinishedAt = d.now()
		metrics.RecordDispatch(rec.FinishedAt.Sub(start))
		metrics.RecordExecution(string(rec.Status))
	}()

	msg, err := d.renderer.Render(ctx, task, start)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to render task")
		rec.Status = domain.StatusTotalFailure
		rec.Reason = "render failed: " + err.Error()
		return rec
	}

	set := d.channels.Current()
	names := set.Resolve(task.Channels)
	if len(names) == 0 {
		rec.Status = domain.StatusTotalFailure
		rec.Reason = ReasonNoChannel
		return rec
	}

	outcomes := make([]domain.ChannelOutcome, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			outcomes[i] = d.deliver(ctx, set, name, msg)
		}(i, name)
	}
	wg.Wait()

	rec.Outcomes = outcomes
	rec.Status = domain.Aggregate(outcomes)
	if rec.Status == domain.StatusTotalFailure && noneConfigured(outcomes) {
		rec.Reason = ReasonNoChannel
	}
	return rec
}

func noneConfigured(outcomes []domain.ChannelOutcome) bool {
	for _, o := range outcomes {
		if o.Attempts > 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, set *channel.Set, name string, msg channel.Message) (out domain.ChannelOutcome) {
	out.Channel = name
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channel", name).Msg("channel sender panicked")
			out.Delivered = false
			out.Error = fmt.Sprintf("sender panic: %v", r)
		}
		metrics.RecordDelivery(name, out.Kind, out.Delivered, out.Attempts)
	}()

	cfg, ok := set.Lookup(name)
	if !ok {
		out.Error = channel.ErrNotConfigured.Error()
		return out
	}
	out.Kind = string(cfg.Kind)
	if !cfg.Usable() {
		out.Error = "channel disabled"
		if cfg.Disabled != "" {
			out.Error += ": " + cfg.Disabled
		}
		return out
	}
	sender, ok := d.registry.Get(cfg.Kind)
	if !ok {
		out.Error = fmt.Sprintf("no sender for kind %q", cfg.Kind)
		return out
	}
	lim := d.limiter(cfg)

	var lastErr error
	for attempt := 1; attempt <= 1+d.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, Backoff(attempt-1, d.opts.BaseDelay, d.opts.MaxDelay)); err != nil {
				break
			}
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr == nil {
					lastErr = err
				}
				break
			}
		}

		out.Attempts = attempt
		actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		err := sender.Send(actx, msg, cfg)
		cancel()
		if err == nil {
			out.Delivered = true
			out.Error = ""
			log.Debug().Str("task_id", msg.TaskID).Str("channel", name).Int("attempt", attempt).Msg("delivered")
			return out
		}

		lastErr = err
		permanent := channel.IsPermanent(err)
		log.Warn().Err(err).
			Str("task_id", msg.TaskID).
			Str("channel", name).
			Int("attempt", attempt).
			Bool("permanent", permanent).
			Msg("delivery attempt failed")
		if permanent || ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr != nil {
		out.Error = lastErr.Error()
	}
	return out
}

func (d *Dispatcher) limiter(cfg channel.Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.RatePerSec)

	d.limMu.Lock()
	defer d.limMu.Unlock()
	e, ok := d.limiters[cfg.Name]
	if !ok || e.limit != limit || e.burst != burst {
		e = &limiterEntry{limit: limit, burst: burst, lim: rate.NewLimiter(limit, burst)}
		d.limiters[cfg.Name] = e
	}
	return e.lim
}

// Backoff returns base * 2^(retry-1), capped at max.
func Backoff(retry int, base, max time.Duration) time.Duration {
	if retry <= 0 {
		return base
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
