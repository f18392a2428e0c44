package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrHubStopped        = errors.New("hub has stopped")
	ErrNilConnection     = errors.New("connection is nil")
	ErrNilInbound        = errors.New("inbound event is nil")
)
