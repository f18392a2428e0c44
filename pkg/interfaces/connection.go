package interfaces

// Connection is one live client endpoint as seen by the relay core.
// Implementations must make WriteJSON safe for concurrent use and must not
// block the caller on a slow peer.
type Connection interface {
	// ID returns the transport connection id, unique for the process lifetime.
	ID() string

	// WriteJSON queues v for delivery as a JSON text frame.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources.
	Close() error
}
