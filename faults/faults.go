// Package faults provides the error roles used across the shardflow consumer
// core. Errors are classified by what the host should do with them rather than
// by where they originated: a FatalError demands operator attention and
// disables the event source, a TransientError asks the host to redeliver the
// batch, a Rejection is a terminal domain-level refusal of a single message,
// and a TimeoutError marks work cut short by the invocation deadline.
//
// All types preserve their cause and support errors.Is/As through Unwrap.
package faults

import (
	"errors"
	"fmt"
)

type (
	// FatalError marks a failure that retrying cannot fix: missing
	// configuration, a required callback absent, the checkpoint table missing,
	// or an illegal task transition. Surfacing a FatalError triggers the
	// event-source-binding disable before the error is re-raised.
	FatalError struct {
		// Message is the human-readable summary of the failure.
		Message string
		// Cause links to the underlying error, if any.
		Cause error
	}

	// TransientError marks a retryable failure, typically a throttled or
	// momentarily unavailable SDK call. The wrapping task's attempt is
	// reverted and the error re-raised so the host redelivers the batch.
	TransientError struct {
		Message string
		Cause   error
	}

	// Rejection carries a domain-level refusal of a message. It is terminal
	// for the message, which is routed to the dead-message stream.
	Rejection struct {
		// Reason describes why the message was rejected.
		Reason string
		Cause  error
	}

	// TimeoutError marks work stopped by the invocation deadline. Reversible
	// timeouts undo the in-progress attempt so the retry budget is preserved.
	TimeoutError struct {
		Message string
		// Reversible reports whether the interrupted attempt should not count
		// against the retry budget.
		Reversible bool
		Cause      error
	}
)

// Fatal constructs a FatalError wrapping cause. A nil cause is allowed.
func Fatal(message string, cause error) *FatalError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &FatalError{Message: message, Cause: cause}
}

// Fatalf formats according to a format specifier and returns a FatalError.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

// Transient constructs a TransientError wrapping cause.
func Transient(message string, cause error) *TransientError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &TransientError{Message: message, Cause: cause}
}

// Reject constructs a Rejection with the given reason.
func Reject(reason string, cause error) *Rejection {
	if reason == "" {
		reason = "rejected"
	}
	return &Rejection{Reason: reason, Cause: cause}
}

// Timeout constructs a TimeoutError. Reversible timeouts do not consume the
// interrupted attempt.
func Timeout(message string, reversible bool, cause error) *TimeoutError {
	if message == "" {
		message = "timed out"
	}
	return &TimeoutError{Message: message, Reversible: reversible, Cause: cause}
}

// Error implements the error interface.
func (e *FatalError) Error() string { return "fatal: " + e.Message }

// Unwrap returns the underlying error to support errors.Is/As.
func (e *FatalError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *TransientError) Error() string { return "transient: " + e.Message }

// Unwrap returns the underlying error to support errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *Rejection) Error() string { return "rejected: " + e.Reason }

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Rejection) Unwrap() error { return e.Cause }

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Reversible {
		return "timeout (reversible): " + e.Message
	}
	return "timeout: " + e.Message
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// IsFatal reports whether err or any error in its chain is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err or any error in its chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether err or any error in its chain is a Rejection.
func IsRejection(err error) bool {
	var re *Rejection
	return errors.As(err, &re)
}

// IsTimeout reports whether err or any error in its chain is a TimeoutError.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}

// RejectionReason returns the reason carried by the first Rejection in the
// chain, or the empty string when err carries none.
func RejectionReason(err error) string {
	var re *Rejection
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
