package domain

import "time"

type TriggerKind string

const (
	TriggerOneShot   TriggerKind = "one_shot"
	TriggerRecurring TriggerKind = "recurring"
)

// Trigger describes when a task fires. At is set for one-shot tasks, Cron and
// Timezone for recurring ones.
type Trigger struct {
	Kind     TriggerKind
	At       time.Time
	Cron     string
	Timezone string
}

func (t Trigger) Recurring() bool { return t.Kind == TriggerRecurring }

type PayloadKind string

const (
	PayloadText   PayloadKind = "text"
	PayloadDigest PayloadKind = "digest"
)

type Tone string

const (
	TonePlain    Tone = ""
	ToneGentle   Tone = "gentle"
	ToneUrgent   Tone = "urgent"
	ToneCheerful Tone = "cheerful"
)

func (t Tone) Valid() bool {
	switch t {
	case TonePlain, ToneGentle, ToneUrgent, ToneCheerful:
		return true
	}
	return false
}

// DigestSpec selects sources and items for a digest payload rendered at fire time.
type DigestSpec struct {
	Sources []string `json:"sources,omitempty"`
	Filter  string   `json:"filter,omitempty"`
}

type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Tone    Tone        `json:"tone,omitempty"`
	Digest  *DigestSpec `json:"digest,omitempty"`
}

// Validate checks the payload shape. Kind defaults to text.
func (p *Payload) Validate() error {
	if p.Kind == "" {
		p.Kind = PayloadText
	}
	if !p.Tone.Valid() {
		return Errorf(ErrInvalidPayload, "unknown tone %q", p.Tone)
	}
	switch p.Kind {
	case PayloadText:
		if p.Text == "" {
			return Errorf(ErrInvalidPayload, "text is empty")
		}
	case PayloadDigest:
		if p.Digest == nil {
			p.Digest = &DigestSpec{}
		}
	default:
		return Errorf(ErrInvalidPayload, "unknown payload kind %q", p.Kind)
	}
	return nil
}

type Task struct {
	ID              string
	Trigger         Trigger
	Payload         Payload
	Channels        []string
	State           State
	NextFireAt      *time.Time
	LastFiredAt     *time.Time
	CancelRequested bool
	IdempotencyKey  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TaskFilter struct {
	State  State
	Kind   TriggerKind
	Limit  int
	Offset int
}

type OverallStatus string

const (
	StatusAllDelivered   OverallStatus = "all_delivered"
	StatusPartialFailure OverallStatus = "partial_failure"
	StatusTotalFailure   OverallStatus = "total_failure"
)

type ChannelOutcome struct {
	Channel   string `json:"channel"`
	Kind      string `json:"kind,omitempty"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
}

// ExecutionRecord is the immutable log of one firing of one occurrence.
type ExecutionRecord struct {
	ID           int64
	TaskID       string
	ScheduledFor time.Time
	FiredAt      time.Time
	FinishedAt   time.Time
	Outcomes     []ChannelOutcome
	Status       OverallStatus
	Reason       string
	CatchUp      bool
}

// Aggregate derives the overall status from per-channel outcomes.
func Aggregate(outcomes []ChannelOutcome) OverallStatus {
	delivered := 0
	for _, o := range outcomes {
		if o.Delivered {
			delivered++
		}
	}
	switch {
	case len(outcomes) > 0 && delivered == len(outcomes):
		return StatusAllDelivered
	case delivered > 0:
		return StatusPartialFailure
	default:
		return StatusTotalFailure
	}
}
