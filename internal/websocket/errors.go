package websocket

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)
