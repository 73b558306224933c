package entities

import (
	"errors"
	"fmt"
)

var ErrStoreEntityNotFound = errors.New("store resource not found")

type ErrorKind string

const (
	KindValidation  ErrorKind = "VALIDATION"
	KindConflict    ErrorKind = "CONFLICT"
	KindEconomic    ErrorKind = "ECONOMIC"
	KindSimulation  ErrorKind = "SIMULATION"
	KindPersistence ErrorKind = "PERSISTENCE"
	KindSubmission  ErrorKind = "SUBMISSION"
	KindChain       ErrorKind = "CHAIN"
)

// Rejected reports whether the kind describes bad client input rather than a system fault.
func (k ErrorKind) Rejected() bool {
	switch k {
	case KindValidation, KindConflict, KindEconomic, KindSimulation:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

func NewEconomicError(format string, args ...any) error {
	return &Error{Kind: KindEconomic, Reason: fmt.Sprintf(format, args...)}
}

func NewSimulationError(format string, args ...any) error {
	return &Error{Kind: KindSimulation, Reason: fmt.Sprintf(format, args...)}
}

func NewPersistenceError(err error, reason string) error {
	return &Error{Kind: KindPersistence, Reason: reason, Err: err}
}

func NewSubmissionError(err error, reason string) error {
	return &Error{Kind: KindSubmission, Reason: reason, Err: err}
}

func NewChainError(err error, reason string) error {
	return &Error{Kind: KindChain, Reason: reason, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindPersistence for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// ReasonOf returns the client facing reason of a typed error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
