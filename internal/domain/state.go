package domain

type State string

const (
	StateScheduled State = "scheduled"
	StateFiring    State = "firing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateScheduled, StateFiring, StateCompleted, StateFailed, StateCancelled:
		return st, nil
	}
	return "", Errorf(ErrInvalidPayload, "unknown state %q", s)
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateScheduled: {StateFiring, StateCancelled},
	// firing -> scheduled covers recurring re-enrollment and crash recovery.
	StateFiring: {StateCompleted, StateFailed, StateScheduled, StateCancelled},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not legal for
// the given trigger kind. One-shot tasks never return to scheduled except
// through recovery, which callers signal with recovering.
func CheckTransition(kind TriggerKind, from, to State, recovering bool) error {
	if !CanTransition(from, to) {
		return Errorf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	if kind == TriggerOneShot && from == StateFiring && !recovering {
		if to == StateScheduled || to == StateCancelled {
			return Errorf(ErrInvalidTransition, "one-shot %s -> %s", from, to)
		}
	}
	return nil
}
