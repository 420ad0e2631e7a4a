package api

import (
	"time"

	"remindflow/internal/digest"
	"remindflow/internal/domain"
)

// TaskView is the JSON form of a task. The CLI decodes the same shape.
type TaskView struct {
	ID              string             `json:"id"`
	Kind            domain.TriggerKind `json:"kind"`
	State           domain.State       `json:"state"`
	FireAt          *time.Time         `json:"fire_at,omitempty"`
	Cron            string             `json:"cron,omitempty"`
	Timezone        string             `json:"timezone,omitempty"`
	NextFireAt      *time.Time         `json:"next_fire_at,omitempty"`
	LastFiredAt     *time.Time         `json:"last_fired_at,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	Payload         domain.Payload     `json:"payload"`
	Channels        []string           `json:"channels"`
	CreatedAt       time.Time          `json:"created_at"`
}

func NewTaskView(t domain.Task) TaskView {
	v := TaskView{
		ID:              t.ID,
		Kind:            t.Trigger.Kind,
		State:           t.State,
		Cron:            t.Trigger.Cron,
		Timezone:        t.Trigger.Timezone,
		NextFireAt:      t.NextFireAt,
		LastFiredAt:     t.LastFiredAt,
		CancelRequested: t.CancelRequested,
		Payload:         t.Payload,
		Channels:        t.Channels,
		CreatedAt:       t.CreatedAt,
	}
	if !t.Trigger.Recurring() {
		at := t.Trigger.At
		v.FireAt = &at
	}
	if v.Channels == nil {
		v.Channels = []string{}
	}
	return v
}

type ExecutionView struct {
	ID           int64                   `json:"id"`
	TaskID       string                  `json:"task_id"`
	ScheduledFor time.Time               `json:"scheduled_for"`
	FiredAt      time.Time               `json:"fired_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	Status       domain.OverallStatus    `json:"status"`
	Reason       string                  `json:"reason,omitempty"`
	CatchUp      bool                    `json:"catch_up,omitempty"`
	Outcomes     []domain.ChannelOutcome `json:"outcomes"`
}

func NewExecutionView(rec domain.ExecutionRecord) ExecutionView {
	v := ExecutionView{
		ID:           rec.ID,
		TaskID:       rec.TaskID,
		ScheduledFor: rec.ScheduledFor,
		FiredAt:      rec.FiredAt,
		FinishedAt:   rec.FinishedAt,
		Status:       rec.Status,
		Reason:       rec.Reason,
		CatchUp:      rec.CatchUp,
		Outcomes:     rec.Outcomes,
	}
	if v.Outcomes == nil {
		v.Outcomes = []domain.ChannelOutcome{}
	}
	return v
}

type DigestItemView struct {
	Title     string     `json:"title"`
	URL       string     `json:"url,omitempty"`
	Source    string     `json:"source"`
	Summary   string     `json:"summary,omitempty"`
	Published *time.Time `json:"published,omitempty"`
}

type DigestView struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Markdown string            `json:"markdown"`
	Items    []DigestItemView  `json:"items"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func NewDigestView(d *digest.Digest, at time.Time) DigestView {
	v := DigestView{
		Title:    d.Title(at),
		Text:     d.Plain(),
		Markdown: d.Markdown(),
		Items:    make([]DigestItemView, 0, len(d.Items)),
	}
	for _, it := range d.Items {
		iv := DigestItemView{Title: it.Title, URL: it.URL, Source: it.Source, Summary: it.Summary}
		if !it.Published.IsZero() {
			p := it.Published
			iv.Published = &p
		}
		v.Items = append(v.Items, iv)
	}
	if len(d.Failed) > 0 {
		v.Failed = make(map[string]string, len(d.Failed))
		for _, f := range d.Failed {
			v.Failed[f.Source] = f.Err.Error()
		}
	}
	return v
}
