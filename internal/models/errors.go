package models

import "errors"

var (
	// ErrInvalidSignal means a required client signal (the user agent) is missing.
	ErrInvalidSignal = errors.New("missing required signal")
	// ErrInvalidInput means an administrative request carried unusable fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSubjectNotFound means the mechanic id or link code does not resolve to an active subject.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrCodeGenerationExhausted means every generated code collided with an issued one.
	ErrCodeGenerationExhausted = errors.New("attribution code generation exhausted")
	// ErrCodeConflict is returned by stores when a code was issued concurrently.
	ErrCodeConflict = errors.New("attribution code already issued")
	// ErrStoreUnavailable means the backing store failed or timed out. Nothing was written.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ReasonCode maps an error to a stable label for logs and metrics.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidSignal):
		return "invalid_signal"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSubjectNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeGenerationExhausted), errors.Is(err, ErrCodeConflict):
		return "code_exhausted"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
