package rendezvous

import (
	"errors"
	"fmt"
)

// ProtocolError represents a coordination failure detected by the server.
//
// Protocol errors include:
//   - Malformed message: a payload that cannot be decoded
//   - Duplicate participant: two live connections claim the same identity
//   - Desynchronization: participants name different barriers for one round
//   - Double submit: a participant arrives twice in one round
//
// All protocol errors are fatal to the run; none are retried.
type ProtocolError struct {
	// Code identifies the error category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string

	// Participant identifies the offending participant, when known.
	Participant string

	// Barrier identifies the affected barrier, when known.
	Barrier string
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeMalformedMessage indicates an undecodable payload.
	ErrCodeMalformedMessage ProtocolErrorCode = "MALFORMED_MESSAGE"

	// ErrCodeDuplicateParticipant indicates a second live connection
	// claimed an identity already registered.
	ErrCodeDuplicateParticipant ProtocolErrorCode = "DUPLICATE_PARTICIPANT"

	// ErrCodeUnexpectedParticipant indicates a connection beyond the
	// expected participant count.
	ErrCodeUnexpectedParticipant ProtocolErrorCode = "UNEXPECTED_PARTICIPANT"

	// ErrCodeUnknownParticipant indicates an arrival from a participant
	// that never registered.
	ErrCodeUnknownParticipant ProtocolErrorCode = "UNKNOWN_PARTICIPANT"

	// ErrCodeDesynchronization indicates participants named different
	// barriers for the same round.
	ErrCodeDesynchronization ProtocolErrorCode = "DESYNCHRONIZATION"

	// ErrCodeDoubleSubmit indicates a participant submitted twice for one
	// round before a verdict was issued.
	ErrCodeDoubleSubmit ProtocolErrorCode = "DOUBLE_SUBMIT"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	switch {
	case e.Participant != "" && e.Barrier != "":
		return fmt.Sprintf("%s: %s (participant=%s, barrier=%s)", e.Code, e.Message, e.Participant, e.Barrier)
	case e.Participant != "":
		return fmt.Sprintf("%s: %s (participant=%s)", e.Code, e.Message, e.Participant)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsDuplicateParticipant reports whether err is a duplicate registration.
// Uses errors.As to handle wrapped errors.
func IsDuplicateParticipant(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == ErrCodeDuplicateParticipant
}

// IsDesynchronization reports whether err is a barrier desynchronization.
func IsDesynchronization(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == ErrCodeDesynchronization
}

// IsMalformedMessage reports whether err is an undecodable payload error.
func IsMalformedMessage(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == ErrCodeMalformedMessage
}

// NewDuplicateParticipantError creates a ProtocolError for a second live
// connection claiming an already-registered identity.
func NewDuplicateParticipantError(participant string) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeDuplicateParticipant,
		Message:     "participant already connected",
		Participant: participant,
	}
}

// NewUnexpectedParticipantError creates a ProtocolError for a registration
// beyond the expected participant count.
func NewUnexpectedParticipantError(participant string, capacity int) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeUnexpectedParticipant,
		Message:     fmt.Sprintf("all %d expected participants already registered", capacity),
		Participant: participant,
	}
}

// NewUnknownParticipantError creates a ProtocolError for an arrival from an
// unregistered participant.
func NewUnknownParticipantError(participant string) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeUnknownParticipant,
		Message:     "participant is not registered",
		Participant: participant,
	}
}

// NewDesynchronizationError creates a ProtocolError for participants naming
// different barriers in the same round.
func NewDesynchronizationError(participant, got, want string, roundNum int64) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeDesynchronization,
		Message:     fmt.Sprintf("reached barrier %q while round %d is waiting at barrier %q", got, roundNum, want),
		Participant: participant,
		Barrier:     got,
	}
}

// NewDoubleSubmitError creates a ProtocolError for a second submission in
// one round before a verdict.
func NewDoubleSubmitError(participant, barrier string, roundNum int64) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeDoubleSubmit,
		Message:     fmt.Sprintf("second snapshot for round %d before a verdict", roundNum),
		Participant: participant,
		Barrier:     barrier,
	}
}

// NewMalformedMessageError creates a ProtocolError for an undecodable
// payload on a participant's connection.
func NewMalformedMessageError(participant string, cause error) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeMalformedMessage,
		Message:     cause.Error(),
		Participant: participant,
	}
}
