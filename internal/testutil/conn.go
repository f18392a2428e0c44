// Package testutil holds test doubles shared by the relay packages' tests.
package testutil

import (
	"encoding/json"
	"sync"
	"testing"

	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// RecordingConn is an in-memory interfaces.Connection that keeps every frame
// written to it in wire form.
type RecordingConn struct {
	id string

	mu       sync.Mutex
	frames   []types.Envelope
	closed   bool
	failWith error
}

// NewRecordingConn creates a recording connection with the given transport id.
func NewRecordingConn(id string) *RecordingConn {
	return &RecordingConn{id: id}
}

func (c *RecordingConn) ID() string { return c.id }

// WriteJSON marshals v and records it as an envelope.
func (c *RecordingConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return interfaces.ErrBackpressure
	}
	if c.failWith != nil {
		return c.failWith
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailWrites makes subsequent writes return err.
func (c *RecordingConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

// Frames returns a copy of every recorded frame in write order.
func (c *RecordingConn) Frames() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events returns the event names of every recorded frame in write order.
func (c *RecordingConn) Events() []string {
	frames := c.Frames()
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

// Count returns how many frames carried event.
func (c *RecordingConn) Count(event string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// Decode unmarshals the data of every frame carrying event into a T, in
// write order. A payload that does not decode fails the test.
func Decode[T any](t testing.TB, c *RecordingConn, event string) []T {
	t.Helper()
	var out []T
	for i, f := range c.Frames() {
		if f.Event != event {
			continue
		}
		var v T
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &v); err != nil {
				t.Fatalf("frame %d (%s) does not decode into %T: %v", i, event, v, err)
			}
		}
		out = append(out, v)
	}
	return out
}

// Reset drops all recorded frames.
func (c *RecordingConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// IsClosed reports whether Close was called.
func (c *RecordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
