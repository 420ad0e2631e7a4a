package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRepo(t *testing.T) *sqliteRepo {
	t.Helper()
	return &sqliteRepo{db: testDB(t), now: time.Now}
}

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func oneShot(at time.Time) domain.Task {
	return domain.Task{
		Trigger:    domain.Trigger{Kind: domain.TriggerOneShot, At: at},
		Payload:    domain.Payload{Kind: domain.PayloadText, Text: "stand up"},
		Channels:   []string{"email"},
		NextFireAt: &at,
	}
}

func recurring(next time.Time) domain.Task {
	return domain.Task{
		Trigger:    domain.Trigger{Kind: domain.TriggerRecurring, Cron: "0 8,20 * * *", Timezone: "UTC"},
		Payload:    domain.Payload{Kind: domain.PayloadText, Text: "check mail"},
		NextFireAt: &next,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	created, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, domain.StateScheduled, created.State)

	got, err := r.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TriggerOneShot, got.Trigger.Kind)
	require.True(t, base.Equal(got.Trigger.At))
	require.True(t, base.Equal(*got.NextFireAt))
	require.Equal(t, "stand up", got.Payload.Text)
	require.Equal(t, []string{"email"}, got.Channels)

	_, err = r.Get(ctx, "tsk_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	key := "morning-standup"
	task := oneShot(base)
	task.IdempotencyKey = &key

	_, err := r.Create(ctx, task)
	require.NoError(t, err)

	_, err = r.Create(ctx, task)
	require.ErrorIs(t, err, domain.ErrDuplicateSubmission)

	tasks, err := r.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	a, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)
	_, err = r.Create(ctx, recurring(base))
	require.NoError(t, err)
	_, err = r.Cancel(ctx, a.ID)
	require.NoError(t, err)

	scheduled, err := r.List(ctx, domain.TaskFilter{State: domain.StateScheduled})
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, domain.TriggerRecurring, scheduled[0].Trigger.Kind)

	oneShots, err := r.List(ctx, domain.TaskFilter{Kind: domain.TriggerOneShot})
	require.NoError(t, err)
	require.Len(t, oneShots, 1)
	require.Equal(t, domain.StateCancelled, oneShots[0].State)
	require.Nil(t, oneShots[0].NextFireAt)
}

func TestUpdateStateRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)

	err = r.UpdateState(ctx, task.ID, domain.StateCompleted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateScheduled, got.State)

	require.NoError(t, r.UpdateState(ctx, task.ID, domain.StateFiring))
	require.NoError(t, r.UpdateState(ctx, task.ID, domain.StateCompleted))
	require.ErrorIs(t, r.UpdateState(ctx, task.ID, domain.StateScheduled), domain.ErrInvalidTransition)
}

func TestDueAndClaim(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	due, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)
	_, err = r.Create(ctx, oneShot(base.Add(time.Hour)))
	require.NoError(t, err)

	tasks, err := r.Due(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, due.ID, tasks[0].ID)

	ok, err := r.Claim(ctx, due.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Claim(ctx, due.ID, base)
	require.NoError(t, err)
	require.False(t, ok)

	tasks, err = r.Due(ctx, base, 10)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestClaimIsExclusiveUnderContention(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Claim(ctx, task.ID, base)
			if err == nil && ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

func TestSettleOneShot(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)
	ok, err := r.Claim(ctx, task.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	rec := domain.ExecutionRecord{
		TaskID:       task.ID,
		ScheduledFor: base,
		FiredAt:      base.Add(time.Second),
		FinishedAt:   base.Add(2 * time.Second),
		Outcomes:     []domain.ChannelOutcome{{Channel: "email", Delivered: true, Attempts: 1}},
		Status:       domain.StatusAllDelivered,
	}
	state, err := r.Settle(ctx, rec, Settlement{State: domain.StateCompleted})
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, state)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.Nil(t, got.NextFireAt)
	require.NotNil(t, got.LastFiredAt)

	history, err := r.ListHistory(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.StatusAllDelivered, history[0].Status)
	require.Equal(t, rec.Outcomes, history[0].Outcomes)
	require.True(t, base.Equal(history[0].ScheduledFor))
}

func TestSettleRejectsSecondRecordForOccurrence(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, recurring(base))
	require.NoError(t, err)

	rec := domain.ExecutionRecord{
		TaskID: task.ID, ScheduledFor: base, FiredAt: base, FinishedAt: base,
		Status: domain.StatusAllDelivered,
	}
	_, err = r.AppendExecution(ctx, rec)
	require.NoError(t, err)

	ok, err := r.Claim(ctx, task.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	next := base.Add(12 * time.Hour)
	_, err = r.Settle(ctx, rec, Settlement{State: domain.StateScheduled, NextFireAt: &next})
	require.ErrorIs(t, err, domain.ErrDuplicateExecution)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateFiring, got.State)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, recurring(base))
	require.NoError(t, err)
	ok, err := r.Claim(ctx, task.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	state, err := r.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateFiring, state)

	next := base.Add(12 * time.Hour)
	rec := domain.ExecutionRecord{TaskID: task.ID, ScheduledFor: base, FiredAt: base, FinishedAt: base, Status: domain.StatusAllDelivered}
	state, err = r.Settle(ctx, rec, Settlement{State: domain.StateScheduled, NextFireAt: &next})
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, state)

	_, err = r.Cancel(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = r.Cancel(ctx, "tsk_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdvance(t *testing.T) {
	next := base.Add(12 * time.Hour)
	tests := []struct {
		name      string
		cancel    bool
		wantState domain.State
		wantNext  *time.Time
	}{
		{"reenrolls", false, domain.StateScheduled, &next},
		{"honors cancel", true, domain.StateCancelled, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := testRepo(t)

			task, err := r.Create(ctx, recurring(base))
			require.NoError(t, err)
			ok, err := r.Claim(ctx, task.ID, base)
			require.NoError(t, err)
			require.True(t, ok)
			if tt.cancel {
				state, err := r.Cancel(ctx, task.ID)
				require.NoError(t, err)
				require.Equal(t, domain.StateFiring, state)
			}

			state, err := r.Advance(ctx, task.ID, Settlement{State: domain.StateScheduled, NextFireAt: &next})
			require.NoError(t, err)
			require.Equal(t, tt.wantState, state)

			got, err := r.Get(ctx, task.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantState, got.State)
			if tt.wantNext == nil {
				require.Nil(t, got.NextFireAt)
			} else {
				require.True(t, tt.wantNext.Equal(*got.NextFireAt))
			}
			require.Nil(t, got.LastFiredAt)

			history, err := r.ListHistory(ctx, task.ID, 0)
			require.NoError(t, err)
			require.Empty(t, history)
		})
	}
}

func TestRecoverFiring(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, oneShot(base))
	require.NoError(t, err)
	ok, err := r.Claim(ctx, task.ID, base)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := r.RecoverFiring(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateScheduled, got.State)
	require.True(t, base.Equal(*got.NextFireAt))
}

func TestDefer(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	task, err := r.Create(ctx, recurring(base))
	require.NoError(t, err)

	later := base.Add(24 * time.Hour)
	require.NoError(t, r.Defer(ctx, task.ID, later))

	got, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, later.Equal(*got.NextFireAt))
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	a, err := r.Create(ctx, recurring(base))
	require.NoError(t, err)
	b, err := r.Create(ctx, recurring(base))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		_, err := r.AppendExecution(ctx, domain.ExecutionRecord{TaskID: a.ID, ScheduledFor: at, FiredAt: at, FinishedAt: at, Status: domain.StatusTotalFailure})
		require.NoError(t, err)
	}
	_, err = r.AppendExecution(ctx, domain.ExecutionRecord{TaskID: b.ID, ScheduledFor: base, FiredAt: base, FinishedAt: base, Status: domain.StatusAllDelivered})
	require.NoError(t, err)

	n, err := r.ClearHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = r.ClearHistory(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTickWatermark(t *testing.T) {
	ctx := context.Background()
	r := testRepo(t)

	_, ok, err := r.LastTick(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.SaveTick(ctx, base))
	require.NoError(t, r.SaveTick(ctx, base.Add(time.Second)))

	got, ok, err := r.LastTick(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, base.Add(time.Second).Equal(got))
}

func TestSeenStore(t *testing.T) {
	ctx := context.Background()
	s := NewSeenStore(testDB(t))

	fresh, err := s.MarkSeen(ctx, "abc", "Title", "hn", base)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = s.MarkSeen(ctx, "abc", "Title", "hn", base)
	require.NoError(t, err)
	require.False(t, fresh)

	n, err := s.PruneSeen(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	seen, err := s.Seen(ctx, "abc")
	require.NoError(t, err)
	require.False(t, seen)
}
