// Package api exposes task submission, queries, health and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"remindflow/internal/digest"
	"remindflow/internal/domain"
	"remindflow/internal/metrics"
	"remindflow/internal/scheduler"
)

// Previewer builds a digest without recording anything.
type Previewer interface {
	Preview(ctx context.Context, spec domain.DigestSpec) (*digest.Digest, error)
}

type Options struct {
	Debug bool
}

type Server struct {
	r       *chi.Mux
	svc     *scheduler.Service
	digests Previewer
	now     func() time.Time
}

func NewServer(svc *scheduler.Service, digests Previewer, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, svc: svc, digests: digests, now: time.Now}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/reminders", s.createReminder)
		r.Post("/schedules", s.createSchedule)

		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)

		r.Get("/history", s.listHistory)
		r.Delete("/history", s.clearHistory)

		r.Post("/digest/preview", s.previewDigest)
		r.Post("/digest/now", s.digestNow)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(s.now())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	resp := map[string]any{
		"healthy":   h.Healthy,
		"lag":       h.Lag.String(),
		"in_flight": h.InFlight,
		"workers":   h.Workers,
	}
	if !h.LastTick.IsZero() {
		resp["last_tick"] = h.LastTick.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, status, resp)
}

type reminderReq struct {
	Expression     string   `json:"expression"`
	Text           string   `json:"text"`
	Subject        string   `json:"subject"`
	Tone           string   `json:"tone"`
	Channels       []string `json:"channels"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	var req reminderReq
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.SubmitOneShot(r.Context(), scheduler.OneShotRequest{
		Expression:     req.Expression,
		Payload:        domain.Payload{Kind: domain.PayloadText, Text: req.Text, Subject: req.Subject, Tone: domain.Tone(req.Tone)},
		Channels:       req.Channels,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": t.ID, "fire_at": t.NextFireAt.UTC().Format(time.RFC3339)})
}

type scheduleReq struct {
	Cron           string             `json:"cron"`
	Timezone       string             `json:"timezone"`
	Text           string             `json:"text"`
	Subject        string             `json:"subject"`
	Tone           string             `json:"tone"`
	Digest         *domain.DigestSpec `json:"digest"`
	Channels       []string           `json:"channels"`
	IdempotencyKey string             `json:"idempotency_key"`
}

func (req scheduleReq) payload() domain.Payload {
	p := domain.Payload{Kind: domain.PayloadText, Text: req.Text, Subject: req.Subject, Tone: domain.Tone(req.Tone)}
	if req.Digest != nil {
		p.Kind = domain.PayloadDigest
		p.Digest = req.Digest
	}
	return p
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	t, err := s.svc.SubmitRecurring(r.Context(), scheduler.RecurringRequest{
		Cron:           req.Cron,
		Timezone:       req.Timezone,
		Payload:        req.payload(),
		Channels:       req.Channels,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": t.ID, "next_fire_at": t.NextFireAt.UTC().Format(time.RFC3339)})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f domain.TaskFilter
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := domain.ParseState(v)
		if err != nil {
			writeError(w, err)
			return
		}
		f.State = st
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		f.Kind = domain.TriggerKind(v)
	}
	f.Limit = queryInt(r, "limit", 100)
	f.Offset = queryInt(r, "offset", 0)

	tasks, err := s.svc.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]TaskView, len(tasks))
	for i, t := range tasks {
		out[i] = NewTaskView(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTaskView(t))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": state})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.ListHistory(r.Context(), r.URL.Query().Get("task_id"), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ExecutionView, len(recs))
	for i, rec := range recs {
		out[i] = NewExecutionView(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearHistory(r.Context(), r.URL.Query().Get("task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

type digestReq struct {
	Sources  []string `json:"sources"`
	Filter   string   `json:"filter"`
	Channels []string `json:"channels"`
}

func (s *Server) previewDigest(w http.ResponseWriter, r *http.Request) {
	if s.digests == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no digest sources configured"})
		return
	}
	var req digestReq
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := s.digests.Preview(r.Context(), domain.DigestSpec{Sources: req.Sources, Filter: req.Filter})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewDigestView(d, s.now()))
}

// digestNow submits a digest that fires on the next tick.
func (s *Server) digestNow(w http.ResponseWriter, r *http.Request) {
	var req digestReq
	if !decodeOptional(w, r, &req) {
		return
	}
	t, err := s.svc.SubmitOneShot(r.Context(), scheduler.OneShotRequest{
		Expression: "0s",
		Payload: domain.Payload{
			Kind:   domain.PayloadDigest,
			Digest: &domain.DigestSpec{Sources: req.Sources, Filter: req.Filter},
		},
		Channels: req.Channels,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": t.ID, "fire_at": t.NextFireAt.UTC().Format(time.RFC3339)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidExpression), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrHorizonExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSubmission), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
