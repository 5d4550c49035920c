package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrChainVerification = errors.New("transaction verification failed")
	ErrChainUnavailable  = errors.New("chain gateway unavailable")
	ErrConflict          = errors.New("concurrent modification")
	ErrAlreadyDeployed   = errors.New("contract already deployed")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
)

// ValidationError describes why a request was rejected. MaxAllowed is set
// when the rejection advertises a ceiling the caller could retry with.
type ValidationError struct {
	Reason     string
	MaxAllowed *Amount
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is makes errors.Is(err, ErrValidation) true for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Reject builds a ValidationError with no advertised ceiling.
func Reject(reason string) error {
	return &ValidationError{Reason: reason}
}
