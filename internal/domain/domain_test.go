package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name       string
		kind       TriggerKind
		from, to   State
		recovering bool
		ok         bool
	}{
		{"claim", TriggerOneShot, StateScheduled, StateFiring, false, true},
		{"cancel scheduled", TriggerOneShot, StateScheduled, StateCancelled, false, true},
		{"one-shot completes", TriggerOneShot, StateFiring, StateCompleted, false, true},
		{"one-shot fails", TriggerOneShot, StateFiring, StateFailed, false, true},
		{"one-shot cannot re-enroll", TriggerOneShot, StateFiring, StateScheduled, false, false},
		{"one-shot recovery", TriggerOneShot, StateFiring, StateScheduled, true, true},
		{"recurring re-enrolls", TriggerRecurring, StateFiring, StateScheduled, false, true},
		{"recurring cancelled in flight", TriggerRecurring, StateFiring, StateCancelled, false, true},
		{"completed is terminal", TriggerRecurring, StateCompleted, StateScheduled, false, false},
		{"cancelled is terminal", TriggerOneShot, StateCancelled, StateFiring, false, false},
		{"skip firing", TriggerOneShot, StateScheduled, StateCompleted, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.kind, tt.from, tt.to, tt.recovering)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestAggregate(t *testing.T) {
	ok := ChannelOutcome{Channel: "a", Delivered: true}
	bad := ChannelOutcome{Channel: "b", Error: "boom"}

	require.Equal(t, StatusAllDelivered, Aggregate([]ChannelOutcome{ok, ok}))
	require.Equal(t, StatusPartialFailure, Aggregate([]ChannelOutcome{ok, bad, bad}))
	require.Equal(t, StatusTotalFailure, Aggregate([]ChannelOutcome{bad}))
	require.Equal(t, StatusTotalFailure, Aggregate(nil))
}

func TestPayloadValidate(t *testing.T) {
	p := Payload{Text: "drink water"}
	require.NoError(t, p.Validate())
	require.Equal(t, PayloadText, p.Kind)

	empty := Payload{}
	require.ErrorIs(t, empty.Validate(), ErrInvalidPayload)

	badTone := Payload{Text: "x", Tone: "shouty"}
	require.ErrorIs(t, badTone.Validate(), ErrInvalidPayload)

	digest := Payload{Kind: PayloadDigest}
	require.NoError(t, digest.Validate())
	require.NotNil(t, digest.Digest)
}
