package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
)

type OneShotRequest struct {
	// Expression is a relative offset ("1h30m") or an absolute time.
	Expression     string
	Payload        domain.Payload
	Channels       []string
	IdempotencyKey string
}

type RecurringRequest struct {
	Cron           string
	Timezone       string
	Payload        domain.Payload
	Channels       []string
	IdempotencyKey string
}

func (s *Service) validatePayload(p *domain.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Kind == domain.PayloadDigest && s.digests != nil {
		return s.digests.Validate(*p.Digest)
	}
	return nil
}

func idempotencyKey(key string) *string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return &key
}

// SubmitOneShot resolves the expression against the current time and stores
// a task that fires once at that instant.
func (s *Service) SubmitOneShot(ctx context.Context, req OneShotRequest) (domain.Task, error) {
	if err := s.validatePayload(&req.Payload); err != nil {
		return domain.Task{}, err
	}
	at, err := s.resolver.Resolve(req.Expression, s.now())
	if err != nil {
		return domain.Task{}, err
	}
	at = at.UTC()

	t, err := s.repo.Create(ctx, domain.Task{
		Trigger:        domain.Trigger{Kind: domain.TriggerOneShot, At: at},
		Payload:        req.Payload,
		Channels:       req.Channels,
		NextFireAt:     &at,
		IdempotencyKey: idempotencyKey(req.IdempotencyKey),
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Time("fire_at", at).Msg("one-shot task scheduled")
	return t, nil
}

// SubmitRecurring stores a cron task enrolled at its first occurrence after
// now.
func (s *Service) SubmitRecurring(ctx context.Context, req RecurringRequest) (domain.Task, error) {
	if err := s.validatePayload(&req.Payload); err != nil {
		return domain.Task{}, err
	}
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = s.opts.Location.String()
	}
	next, err := ValidateCron(strings.TrimSpace(req.Cron), tz, s.opts.Location, s.now())
	if err != nil {
		return domain.Task{}, err
	}

	t, err := s.repo.Create(ctx, domain.Task{
		Trigger:        domain.Trigger{Kind: domain.TriggerRecurring, Cron: strings.TrimSpace(req.Cron), Timezone: tz},
		Payload:        req.Payload,
		Channels:       req.Channels,
		NextFireAt:     &next,
		IdempotencyKey: idempotencyKey(req.IdempotencyKey),
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", t.ID).Str("cron", t.Trigger.Cron).Str("timezone", tz).
		Time("next_fire_at", next).Msg("recurring task scheduled")
	return t, nil
}

// Cancel stops a task. A task that is firing finishes its current dispatch
// and is cancelled when it settles; the returned state is then firing.
func (s *Service) Cancel(ctx context.Context, id string) (domain.State, error) {
	state, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return "", err
	}
	log.Info().Str("task_id", id).Str("state", string(state)).Msg("task cancel requested")
	return state, nil
}

func (s *Service) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListHistory(ctx context.Context, taskID string, limit int) ([]domain.ExecutionRecord, error) {
	return s.repo.ListHistory(ctx, taskID, limit)
}

func (s *Service) ClearHistory(ctx context.Context, taskID string) (int, error) {
	n, err := s.repo.ClearHistory(ctx, taskID)
	if err != nil {
		return 0, err
	}
	log.Info().Str("task_id", taskID).Int("deleted", n).Msg("history cleared")
	return n, nil
}

// Now is the scheduler's clock, exposed for callers that resolve times.
func (s *Service) Now() time.Time { return s.now() }
