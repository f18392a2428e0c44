package session

import "errors"

// Session store errors
var (
	ErrInvalidViewerID   = errors.New("viewer id cannot be empty")
	ErrInvalidOperatorID = errors.New("operator id is empty after normalization")
)
