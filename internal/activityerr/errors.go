// Package activityerr defines the stable, machine-readable error codes
// surfaced to clients. Frontends branch on the Code string, so codes are
// part of the wire contract and must not change.
package activityerr

import "fmt"

// Error is a domain error carrying a stable code.
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches errors by code so sentinel values below work with errors.Is
// even when a detail message was attached via With.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a detail message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Code: e.Code, Detail: fmt.Sprintf(format, args...)}
}

// Missing-resource errors.
var (
	ErrSessionNotFound         = &Error{Code: "session_not_found"}
	ErrSessionStateMissing     = &Error{Code: "session_state_missing"}
	ErrParticipantNotInSession = &Error{Code: "participant_not_in_session"}
)

// State-conflict errors.
var (
	ErrSessionNotRunning  = &Error{Code: "session_not_running"}
	ErrSessionEnded       = &Error{Code: "session_ended"}
	ErrNotYourTurn        = &Error{Code: "not_your_turn"}
	ErrRoleTaken          = &Error{Code: "role_taken"}
	ErrRolesNotFilled     = &Error{Code: "roles_not_filled"}
	ErrCannotScoreOwnLine = &Error{Code: "cannot_score_own_line"}
	ErrInvalidMove        = &Error{Code: "invalid_move"}
	ErrStateConflict      = &Error{Code: "state_conflict"}
)

// Validation errors, rejected synchronously at session creation.
var (
	ErrInvalidParticipants  = &Error{Code: "invalid_participants"}
	ErrCreatorNotInSession  = &Error{Code: "creator_not_participant"}
	ErrInvalidConfig        = &Error{Code: "invalid_config"}
	ErrUnsupportedOperation = &Error{Code: "unsupported_operation"}
)

// ErrRateLimited is thrown distinctly so callers can answer with a
// throttling signal instead of a generic failure.
var ErrRateLimited = &Error{Code: "rate_limited"}
