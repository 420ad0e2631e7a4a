package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidExpression   = errors.New("invalid expression")
	ErrHorizonExceeded     = errors.New("horizon exceeded")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNotFound            = errors.New("task not found")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrDuplicateExecution  = errors.New("execution already recorded for occurrence")
	ErrNoFutureOccurrence  = errors.New("no future occurrence")
	ErrFetchFailed         = errors.New("fetch failed")
)

// Errorf wraps a sentinel with formatted detail so errors.Is keeps working.
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
