// This file defines the stable, client-visible rejection reasons and the
// error type that carries them across component boundaries.

package models

import "fmt"

// RejectionReason is a stable string consumed by clients. Values are part of
// the public contract and must not be renamed.
type RejectionReason string

const (
	ReasonRateLimited         RejectionReason = "RATE_LIMITED"
	ReasonCapacityFull        RejectionReason = "CAPACITY_FULL"
	ReasonQueueFull           RejectionReason = "QUEUE_FULL"
	ReasonAlreadyInSession    RejectionReason = "ALREADY_IN_SESSION"
	ReasonInstanceUnavailable RejectionReason = "INSTANCE_UNAVAILABLE"
	ReasonInvalidInstance     RejectionReason = "INVALID_INSTANCE"
	ReasonInternalError       RejectionReason = "INTERNAL_ERROR"
	ReasonCharacterNotOwned   RejectionReason = "CHARACTER_NOT_OWNED"
	ReasonDuplicate           RejectionReason = "DUPLICATE"
	ReasonBlocked             RejectionReason = "BLOCKED"
	ReasonMuted               RejectionReason = "MUTED"
	ReasonTokenExpired        RejectionReason = "TOKEN_EXPIRED"
	ReasonMaxAttempts         RejectionReason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonOccupied            RejectionReason = "OCCUPIED"
	ReasonConflict            RejectionReason = "CONFLICT"
	ReasonValidation          RejectionReason = "VALIDATION_FAILED"
	ReasonWriteFailed         RejectionReason = "WRITE_FAILED"
	ReasonBufferOverflow      RejectionReason = "BUFFER_OVERFLOW"
)

// RejectionError pairs a stable reason with an internal message. The reason
// crosses the API boundary; the message stays in the logs.
type RejectionError struct {
	Reason  RejectionReason
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Reject builds a RejectionError with a formatted internal message.
func Reject(reason RejectionReason, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the stable reason from an error, defaulting to
// INTERNAL_ERROR for anything that is not a RejectionError.
func ReasonOf(err error) RejectionReason {
	if err == nil {
		return ""
	}
	if re, ok := err.(*RejectionError); ok {
		return re.Reason
	}
	return ReasonInternalError
}
