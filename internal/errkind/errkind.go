// Package errkind defines the error taxonomy shared by every consumer and
// worker in the checking engine: Malformed, Transient, Permanent, and
// Poison. Components classify errors by wrapping one of the sentinel
// values below with fmt.Errorf("...: %w", ErrX); callers dispatch on the
// kind with errors.Is, never by inspecting error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap these with context via fmt.Errorf("%w: ...", ErrX)
// or fmt.Errorf("...: %w", ErrX); errors.Is still matches through wrapping.
var (
	// Malformed marks a payload that failed codec decoding or validation.
	// Not retriable: dead-letter the original bytes and ack.
	Malformed = errors.New("malformed message")

	// Transient marks a recoverable failure: broker disconnect, database
	// connectivity loss, detector timeout, or a 5xx from an external
	// detector. Recovered by in-process retry/reconnect; if the budget is
	// exhausted, nack+requeue and let the broker redeliver.
	Transient = errors.New("transient failure")

	// Permanent marks a domain invariant violation: unknown correlation
	// id, a CAS conflict that indicates a logical bug, or a 4xx from an
	// external detector. No broker-level retry; the owning row is
	// transitioned to failed with diagnostic metadata.
	Permanent = errors.New("permanent failure")

	// Poison marks a message the broker has redelivered past its retry
	// ceiling for Transient reasons. Dead-letter to prevent live-lock.
	Poison = errors.New("poison message")
)

// Is reports whether err is classified as kind, following wrapped errors.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Malformedf wraps a formatted detail under Malformed.
func Malformedf(format string, args ...any) error {
	return wrapf(Malformed, format, args...)
}

// Transientf wraps a formatted detail under Transient.
func Transientf(format string, args ...any) error {
	return wrapf(Transient, format, args...)
}

// Permanentf wraps a formatted detail under Permanent.
func Permanentf(format string, args ...any) error {
	return wrapf(Permanent, format, args...)
}

func wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
