// Package scheduler owns the tick loop: it finds due tasks, claims them,
// hands them to workers and settles the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/metrics"
	"remindflow/internal/resolver"
	"remindflow/internal/store"
	"remindflow/internal/worker"
)

type CatchUpPolicy string

const (
	ReplayOne CatchUpPolicy = "replay_one"
	ReplayAll CatchUpPolicy = "replay_all"
	Skip      CatchUpPolicy = "skip"
)

func ParseCatchUp(s string) (CatchUpPolicy, error) {
	switch p := CatchUpPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ReplayOne, nil
	case ReplayOne, ReplayAll, Skip:
		return p, nil
	}
	return "", fmt.Errorf("unknown catch-up policy %q", s)
}

// Dispatcher delivers one firing. It reports every failure in the record.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) domain.ExecutionRecord
}

// DigestValidator checks digest payloads at submission time.
type DigestValidator interface {
	Validate(spec domain.DigestSpec) error
}

type Options struct {
	TickInterval time.Duration
	StaleAfter   time.Duration
	CatchUp      CatchUpPolicy
	BatchSize    int
	Location     *time.Location
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 3 * o.TickInterval
	}
	if o.CatchUp == "" {
		o.CatchUp = ReplayOne
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

type Service struct {
	repo       store.Repository
	dispatcher Dispatcher
	resolver   *resolver.Resolver
	pool       *worker.Pool
	digests    DigestValidator
	opts       Options
	now        func() time.Time

	mu       sync.Mutex
	lastTick time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewService(repo store.Repository, dispatcher Dispatcher, res *resolver.Resolver, pool *worker.Pool, opts Options) *Service {
	opts.setDefaults()
	if res == nil {
		res = resolver.New(resolver.WithLocation(opts.Location))
	}
	if pool == nil {
		pool = worker.NewPool(8)
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		resolver:   res,
		pool:       pool,
		opts:       opts,
		now:        time.Now,
	}
}

// SetDigestValidator enables submission-time checks of digest payloads.
func (s *Service) SetDigestValidator(v DigestValidator) { s.digests = v }

// Start recovers tasks interrupted by a previous stop, ticks once and then
// ticks every interval until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.Recover(ctx); err != nil {
		cancel()
		close(s.done)
		return err
	}
	if last, ok, err := s.repo.LastTick(ctx); err == nil && ok {
		log.Info().Time("last_tick", last).Dur("downtime", s.now().Sub(last)).Msg("resuming scheduler")
	}

	go s.loop(loopCtx)
	log.Info().Dur("interval", s.opts.TickInterval).Str("catch_up", string(s.opts.CatchUp)).
		Int("workers", s.pool.Size()).Msg("scheduler started")
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.tickSafely(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickSafely(ctx)
		}
	}
}

func (s *Service) tickSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tick panicked")
		}
	}()
	if err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("tick failed")
	}
}

// Stop ends the tick loop and waits for running executions to settle.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.pool.Wait()
	log.Info().Msg("scheduler stopped")
}

// Recover returns tasks stuck in firing to scheduled.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.repo.RecoverFiring(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovering tasks: %w", err)
	}
	if n > 0 {
		log.Warn().Int("tasks", n).Msg("recovered tasks interrupted while firing")
	}
	return n, nil
}

// firing is one planned execution of a claimed task.
type firing struct {
	occurrence time.Time
	next       time.Time
	hasNext    bool
	catchUp    bool
}

// Tick fires every task due at now, as far as free workers allow. It never
// waits for a dispatch to finish.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordTick(time.Since(start)) }()

	tasks, err := s.repo.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		return err
	}

	var w watermark
	if w.last, w.ok, err = s.repo.LastTick(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to read tick watermark, judging missed fires by lateness")
		w.ok = false
	}

	for _, t := range tasks {
		if !s.pool.TryAcquire() {
			log.Debug().Int("pending", len(tasks)).Msg("workers saturated, deferring to next tick")
			break
		}
		if !s.launch(ctx, t, now, w) {
			s.pool.Release()
		}
	}

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
	if err := s.repo.SaveTick(ctx, now); err != nil {
		log.Warn().Err(err).Msg("failed to persist tick watermark")
	}
	return nil
}

// watermark is the last tick persisted before the current one.
type watermark struct {
	last time.Time
	ok   bool
}

// missed reports whether the occurrence due at due went unserved: the tick is
// late and no earlier tick ran close enough to due to have fired it. Without a
// watermark lateness alone decides.
func (s *Service) missed(due, now time.Time, w watermark) bool {
	if now.Sub(due) <= s.opts.TickInterval {
		return false
	}
	if !w.ok {
		return true
	}
	return w.last.Add(s.opts.TickInterval).Before(due)
}

// launch plans, claims and starts one execution on an acquired worker slot.
// It reports whether the slot was handed over.
func (s *Service) launch(ctx context.Context, t domain.Task, now time.Time, w watermark) bool {
	logger := log.With().Str("task_id", t.ID).Logger()

	f, fire, err := s.plan(ctx, t, now, w)
	if err != nil {
		logger.Error().Err(err).Msg("failed to plan firing")
		return false
	}
	if !fire {
		return false
	}

	won, err := s.repo.Claim(ctx, t.ID, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim task")
		return false
	}
	if !won {
		logger.Debug().Msg("task claimed elsewhere")
		return false
	}
	metrics.RecordClaim(string(t.Trigger.Kind), f.catchUp)

	execCtx := context.WithoutCancel(ctx)
	s.pool.Go(func() { s.fire(execCtx, t, f) })
	return true
}

// plan applies the catch-up policy. It reports false when the task was
// re-enrolled without firing.
func (s *Service) plan(ctx context.Context, t domain.Task, now time.Time, w watermark) (firing, bool, error) {
	due := *t.NextFireAt
	f := firing{occurrence: due, catchUp: s.missed(due, now, w)}

	if !t.Trigger.Recurring() {
		return f, true, nil
	}

	sched, err := ParseCron(t.Trigger.Cron, t.Trigger.Timezone, s.opts.Location)
	if err != nil {
		return f, false, err
	}

	if f.catchUp {
		switch s.opts.CatchUp {
		case Skip:
			next, err := sched.Next(now)
			if err == nil {
				if err := s.repo.Defer(ctx, t.ID, next); err != nil {
					return f, false, err
				}
				metrics.RecordSkip()
				log.Info().Str("task_id", t.ID).Time("missed", due).Time("next_fire_at", next).
					Msg("skipped missed occurrences")
				return f, false, nil
			}
			// Nothing left to re-enroll to: fire the last one instead.
			f.occurrence, _ = sched.Latest(due, now)
		case ReplayOne:
			var skipped int
			f.occurrence, skipped = sched.Latest(due, now)
			if skipped > 0 {
				log.Info().Str("task_id", t.ID).Int("skipped", skipped).Time("occurrence", f.occurrence).
					Msg("replaying latest missed occurrence")
			}
			if next, err := sched.Next(now); err == nil {
				f.next, f.hasNext = next, true
			}
			return f, true, nil
		}
	}

	if next, err := sched.Next(f.occurrence); err == nil {
		f.next, f.hasNext = next, true
	}
	return f, true, nil
}

func (s *Service) fire(ctx context.Context, t domain.Task, f firing) {
	logger := log.With().Str("task_id", t.ID).Time("occurrence", f.occurrence).Logger()

	occ := f.occurrence
	t.NextFireAt = &occ
	rec := s.dispatcher.Dispatch(ctx, t)
	rec.TaskID = t.ID
	rec.ScheduledFor = f.occurrence
	rec.CatchUp = f.catchUp

	settlement := settle(t, rec, f)
	state, err := s.repo.Settle(ctx, rec, settlement)
	if errors.Is(err, domain.ErrDuplicateExecution) {
		logger.Warn().Msg("occurrence already recorded, advancing without a new record")
		state, err = s.repo.Advance(ctx, t.ID, settlement)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to settle execution, task stays firing until recovery")
		return
	}

	ev := logger.Info()
	if rec.Status != domain.StatusAllDelivered {
		ev = logger.Warn().Str("reason", rec.Reason)
	}
	ev.Str("status", string(rec.Status)).Str("state", string(state)).Bool("catch_up", rec.CatchUp)
	if state == domain.StateScheduled && settlement.NextFireAt != nil {
		ev.Time("next_fire_at", *settlement.NextFireAt)
	}
	ev.Msg("task fired")
}

func settle(t domain.Task, rec domain.ExecutionRecord, f firing) store.Settlement {
	if !t.Trigger.Recurring() {
		if rec.Status == domain.StatusTotalFailure {
			return store.Settlement{State: domain.StateFailed}
		}
		return store.Settlement{State: domain.StateCompleted}
	}
	if !f.hasNext {
		return store.Settlement{State: domain.StateCompleted}
	}
	next := f.next
	return store.Settlement{State: domain.StateScheduled, NextFireAt: &next}
}

type Health struct {
	Healthy    bool          `json:"healthy"`
	LastTick   time.Time     `json:"last_tick"`
	Lag        time.Duration `json:"lag_ns"`
	StaleAfter time.Duration `json:"stale_after_ns"`
	InFlight   int           `json:"in_flight"`
	Workers    int           `json:"workers"`
}

// Health reports the loop healthy only while ticks keep arriving.
func (s *Service) Health(now time.Time) Health {
	s.mu.Lock()
	last := s.lastTick
	s.mu.Unlock()

	h := Health{
		LastTick:   last,
		StaleAfter: s.opts.StaleAfter,
		InFlight:   s.pool.InFlight(),
		Workers:    s.pool.Size(),
	}
	if last.IsZero() {
		return h
	}
	h.Lag = now.Sub(last)
	h.Healthy = h.Lag <= s.opts.StaleAfter
	return h
}
