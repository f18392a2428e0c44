package types

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrInvalidRole      = errors.New("role must be operator, viewer or observer")
	ErrEmptyIdentity    = errors.New("identity is empty after normalization")
	ErrSDPTypeMismatch  = errors.New("session description type does not match event")
	ErrInvalidSDP       = errors.New("session description is not valid SDP")
	ErrMissingSDP       = errors.New("session description is required")
	ErrInvalidCandidate = errors.New("candidate is not a valid ICE candidate")
)

// ValidationError reports a malformed or incomplete inbound event. It is
// answered to the originating connection only and never mutates state.
type ValidationError struct {
	Event  string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Event != "" && e.Field != "":
		return fmt.Sprintf("%s: %s %s", e.Event, e.Field, e.Reason)
	case e.Event != "":
		return fmt.Sprintf("%s: %s", e.Event, e.Reason)
	default:
		return e.Reason
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
