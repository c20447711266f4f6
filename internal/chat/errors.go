package chat

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnNotFound    = errors.New("turn not found")
	ErrPersonaNotFound = errors.New("persona not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrForbidden       = errors.New("forbidden")
	ErrStore           = errors.New("store error")
	ErrEmptyUtterance  = errors.New("utterance is empty")
)

// StoreError wraps a persistence failure. errors.Is(err, ErrStore) holds for
// every StoreError, and the cause stays reachable through Unwrap.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
