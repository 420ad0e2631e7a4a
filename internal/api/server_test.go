package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remindflow/internal/digest"
	"remindflow/internal/domain"
	"remindflow/internal/resolver"
	"remindflow/internal/scheduler"
	"remindflow/internal/store"
	"remindflow/internal/worker"
)

type okDispatcher struct{}

func (okDispatcher) Dispatch(_ context.Context, t domain.Task) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		TaskID:       t.ID,
		ScheduledFor: *t.NextFireAt,
		FiredAt:      time.Now(),
		FinishedAt:   time.Now(),
		Status:       domain.StatusAllDelivered,
		Outcomes:     []domain.ChannelOutcome{{Channel: "email", Kind: "email", Delivered: true, Attempts: 1}},
	}
}

type testServer struct {
	h   http.Handler
	svc *scheduler.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	producer, err := digest.NewProducer([]digest.Source{
		&digest.StaticSource{SourceName: "golang", Items: []digest.Item{{Title: "Go 1.26", URL: "https://go.dev"}}},
	}, nil, digest.Options{Location: time.UTC})
	require.NoError(t, err)

	svc := scheduler.NewService(store.NewSQLiteRepo(db), okDispatcher{},
		resolver.New(resolver.WithLocation(time.UTC)), worker.NewPool(2),
		scheduler.Options{Location: time.UTC})
	svc.SetDigestValidator(producer)
	return &testServer{h: NewServer(svc, producer, Options{}), svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateReminderAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/reminders", map[string]any{
		"expression": "1h30m", "text": "stretch", "tone": "gentle", "channels": []string{"email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID     string    `json:"id"`
		FireAt time.Time `json:"fire_at"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.ID)
	require.WithinDuration(t, time.Now().Add(90*time.Minute), created.FireAt, 5*time.Second)

	rec = s.do(t, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view TaskView
	decodeBody(t, rec, &view)
	require.Equal(t, domain.StateScheduled, view.State)
	require.Equal(t, domain.TriggerOneShot, view.Kind)
	require.Equal(t, domain.ToneGentle, view.Payload.Tone)
	require.Equal(t, []string{"email"}, view.Channels)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad expression", http.MethodPost, "/api/reminders", map[string]any{"expression": "5y", "text": "x"}, http.StatusBadRequest},
		{"empty text", http.MethodPost, "/api/reminders", map[string]any{"expression": "5m"}, http.StatusBadRequest},
		{"horizon", http.MethodPost, "/api/reminders", map[string]any{"expression": "45d", "text": "x"}, http.StatusUnprocessableEntity},
		{"bad cron", http.MethodPost, "/api/schedules", map[string]any{"cron": "not cron", "text": "x"}, http.StatusBadRequest},
		{"unknown digest source", http.MethodPost, "/api/schedules", map[string]any{"cron": "@daily", "digest": map[string]any{"sources": []string{"sports"}}}, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/api/tasks/tsk_missing", nil, http.StatusNotFound},
		{"cancel missing", http.MethodDelete, "/api/tasks/tsk_missing", nil, http.StatusNotFound},
		{"bad state filter", http.MethodGet, "/api/tasks?state=sleeping", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			var body map[string]string
			decodeBody(t, rec, &body)
			require.NotEmpty(t, body["error"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/reminders", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateAndCancel(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"cron": "0 8 * * *", "text": "standup", "idempotency_key": "daily-standup"}

	rec := s.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	rec = s.do(t, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled map[string]string
	decodeBody(t, rec, &cancelled)
	require.Equal(t, "cancelled", cancelled["state"])

	rec = s.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/tasks?state=cancelled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []TaskView
	decodeBody(t, rec, &tasks)
	require.Len(t, tasks, 1)
	require.Equal(t, "0 8 * * *", tasks[0].Cron)
}

func TestHealthAndHistory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/reminders", map[string]any{"expression": "0s", "text": "now"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &created)

	require.NoError(t, s.svc.Tick(ctx, time.Now()))
	require.Eventually(t, func() bool {
		got, err := s.svc.GetTask(ctx, created.ID)
		return err == nil && got.State == domain.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/history?task_id="+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []ExecutionView
	decodeBody(t, rec, &hist)
	require.Len(t, hist, 1)
	require.Equal(t, domain.StatusAllDelivered, hist[0].Status)
	require.True(t, hist[0].Outcomes[0].Delivered)

	rec = s.do(t, http.MethodDelete, "/api/history?task_id="+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared map[string]int
	decodeBody(t, rec, &cleared)
	require.Equal(t, 1, cleared["deleted"])
}

func TestDigestEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/digest/preview", map[string]any{"sources": []string{"go*"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view DigestView
	decodeBody(t, rec, &view)
	require.Len(t, view.Items, 1)
	require.Equal(t, "golang", view.Items[0].Source)
	require.Contains(t, view.Markdown, "[Go 1.26](https://go.dev)")

	rec = s.do(t, http.MethodPost, "/api/digest/now", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/digest/now", map[string]any{"filter": "item.title =="})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "remindflow_")
}
