package registry

import "errors"

var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection id is already attached")
	ErrUnknownConnection   = errors.New("connection is not attached")
	ErrEmptyIdentity       = errors.New("identity is empty after normalization")
	ErrInvalidRole         = errors.New("invalid role")
)
