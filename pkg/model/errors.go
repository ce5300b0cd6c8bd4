// pkg/model/errors.go
package model

import "errors"

// Central error taxonomy. Callers match with errors.Is; producers wrap with
// fmt.Errorf("%w: ...") to add device context.
var (
	// ErrNotFound means no shadow document exists for the device. Reads never
	// auto-create and never retry on it.
	ErrNotFound = errors.New("shadow document not found")

	// ErrVersionConflict means a write presented a stale version. Retried
	// internally by the reconciler.
	ErrVersionConflict = errors.New("shadow version conflict")

	// ErrConcurrencyExhausted means the bounded compare-and-swap retry budget
	// ran out without an accepted write.
	ErrConcurrencyExhausted = errors.New("concurrent modification retries exhausted")

	// ErrCommandTimeout means the device did not report the target value
	// before the command deadline.
	ErrCommandTimeout = errors.New("command deadline exceeded")

	// ErrTransportRejected means the device-facing send itself failed.
	// Retried like a timeout but recorded with its own reason.
	ErrTransportRejected = errors.New("device transport rejected command")
)
