package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"
)

var (
	ErrNotFound       = stderrors.New("settlement: record not found")
	ErrEpochBusy      = stderrors.New("settlement: epoch already claimed by another run")
	ErrOutcomeUnknown = stderrors.New("settlement: transaction outcome unknown")
	ErrPaused         = stderrors.New("settlement: sweeps paused")
)

// ValidationError reports malformed input rejected at the edge.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for the named field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExternalServiceError wraps failures of the scoring service or chain RPC.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// External wraps err as an ExternalServiceError. A nil err yields nil.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// PersistenceError wraps datastore failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError. A nil err yields nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// InsufficientBalanceError reports a payer wallet that cannot cover a payout.
type InsufficientBalanceError struct {
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %s, available %s", bigString(e.Required), bigString(e.Available))
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

// IsExternal reports whether err carries an ExternalServiceError.
func IsExternal(err error) bool {
	var target *ExternalServiceError
	return stderrors.As(err, &target)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return stderrors.As(err, &target)
}

// IsInsufficientBalance reports whether err carries an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return stderrors.As(err, &target)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
