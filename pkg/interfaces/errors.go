package interfaces

import "errors"

// Common errors shared across components
var (
	ErrAuditDisabled = errors.New("audit trail is disabled")
	ErrBackpressure  = errors.New("connection send buffer is full")
)
