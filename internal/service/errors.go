package service

import (
	"context"
	"errors"
	"fmt"
)

// Attempt lifecycle errors. Handlers map these onto HTTP responses.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeExceeded     = errors.New("time expired, your exam was submitted with your last saved answers")
	ErrConflict         = errors.New("attempt was modified concurrently")
	ErrAlreadyCompleted = errors.New("attempt already completed")
	ErrNotExpired       = errors.New("attempt still has time remaining")

	// Forbidden refinements.
	ErrExamInactive      = fmt.Errorf("%w: exam is not active", ErrForbidden)
	ErrInvalidAccessCode = fmt.Errorf("%w: access code missing or invalid", ErrForbidden)
	ErrNotCompleted      = fmt.Errorf("%w: attempt is not completed", ErrForbidden)
	ErrResumeRequired    = fmt.Errorf("%w: attempt must be resumed first", ErrForbidden)
)

// TransientError marks a storage failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// storeErr classifies an error returned by a store. Domain errors and
// cancellations pass through wrapped; everything else is transient.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}

func validationErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
