package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrValidation        = errors.New("validation failed")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrConcurrentRun     = errors.New("scheduler run already executing")
	ErrPersistence       = errors.New("persistence unavailable")
	ErrStaleData         = errors.New("stale data")
	ErrRunClosed         = errors.New("scheduler run already closed")
)

// EngineError carries the item an error refers to so per-item failures can be
// recorded in a run's error list and still be matched with errors.Is.
type EngineError struct {
	Kind    error
	Subject string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	prefix := e.Kind.Error()
	if e.Subject != "" {
		prefix += " [" + e.Subject + "]"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *EngineError) Is(target error) bool {
	return target == e.Kind
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewValidationError(subject, message string) error {
	return &EngineError{Kind: ErrValidation, Subject: subject, Message: message}
}

func NewStaleDataError(subject, message string) error {
	return &EngineError{Kind: ErrStaleData, Subject: subject, Message: message}
}

func NewCapacityExhaustedError(subject string) error {
	return &EngineError{Kind: ErrCapacityExhausted, Subject: subject, Message: "no active agent with free capacity"}
}

func NewPersistenceError(op string, err error) error {
	return &EngineError{Kind: ErrPersistence, Subject: op, Message: "store operation failed", Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsStaleData(err error) bool {
	return errors.Is(err, ErrStaleData)
}

func IsConcurrentRun(err error) bool {
	return errors.Is(err, ErrConcurrentRun)
}

func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
