package analytics

import (
	"errors"
	"fmt"
)

// Error taxonomy for analytics operations. Business errors are typed and
// propagate; cache errors never reach this layer (the cache fails open).
var (
	// ErrNotFound means no aggregate or cohort row exists for the requested
	// period. Distinct from zero activity, which does have a (zero-valued)
	// row.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientData means a forecast or prediction was requested with
	// fewer historical points than its model requires.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrValidation means a request parameter is out of range.
	ErrValidation = errors.New("validation failed")

	// ErrUpstream wraps data-store failures.
	ErrUpstream = errors.New("upstream failure")
)

// NotFoundf returns an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InsufficientDataf returns an ErrInsufficientData with a formatted message.
func InsufficientDataf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInsufficientData, fmt.Sprintf(format, args...))
}

// Validationf returns an ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Upstreamf wraps a data-store error so callers can distinguish it from
// business errors with errors.Is(err, ErrUpstream).
func Upstreamf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, fmt.Sprintf(format, args...), err)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInsufficientData reports whether err is an ErrInsufficientData.
func IsInsufficientData(err error) bool { return errors.Is(err, ErrInsufficientData) }

// IsValidation reports whether err is an ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
