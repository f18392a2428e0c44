package router

import "errors"

// Router-specific error types
var (
	ErrUnsupportedSignal = errors.New("unsupported signaling message")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
