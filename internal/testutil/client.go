package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"screenrelay/pkg/types"
)

var ErrClientClosed = errors.New("test client closed")

// Client is a websocket client speaking the relay's event protocol.
type Client struct {
	conn   *websocket.Conn
	frames chan types.Envelope
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay's /ws endpoint. base may be an http:// or
// ws:// URL; a missing path is set to /ws.
func Dial(ctx context.Context, base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:   conn,
		frames: make(chan types.Envelope, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env types.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		select {
		case c.frames <- env:
		default:
			// Tests that flood a client without reading lose the overflow.
		}
	}
}

// Send writes one event with data marshaled as its payload.
func (c *Client) Send(event string, data interface{}) error {
	env := types.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(env)
}

// SendRaw writes a text frame as-is.
func (c *Client) SendRaw(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Receive returns the next frame.
func (c *Client) Receive(timeout time.Duration) (types.Envelope, error) {
	select {
	case env := <-c.frames:
		return env, nil
	case <-c.done:
		// Frames read before the close are still delivered.
		select {
		case env := <-c.frames:
			return env, nil
		default:
			return types.Envelope{}, ErrClientClosed
		}
	case <-time.After(timeout):
		return types.Envelope{}, fmt.Errorf("timeout waiting for frame")
	}
}

// ReceiveEvent skips frames until one named event arrives.
func (c *Client) ReceiveEvent(event string, timeout time.Duration) (types.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Envelope{}, fmt.Errorf("timeout waiting for %s", event)
		}
		env, err := c.Receive(remaining)
		if err != nil {
			return types.Envelope{}, fmt.Errorf("waiting for %s: %w", event, err)
		}
		if env.Event == event {
			return env, nil
		}
	}
}

// Drain discards buffered frames and returns their event names.
func (c *Client) Drain() []string {
	var events []string
	for {
		select {
		case env := <-c.frames:
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

// Register sends a register event and waits for the acknowledgement.
func (c *Client) Register(userID string, role types.Role) (types.RegisteredPayload, error) {
	var ack types.RegisteredPayload
	if err := c.Send(types.EventRegister, types.RegisterRequest{UserID: userID, Role: string(role)}); err != nil {
		return ack, err
	}
	env, err := c.ReceiveEvent(types.EventRegistered, 2*time.Second)
	if err != nil {
		return ack, err
	}
	err = json.Unmarshal(env.Data, &ack)
	return ack, err
}

// Done is closed once the server side has closed the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// DecodeEnvelope unmarshals an envelope's payload.
func DecodeEnvelope[T any](env types.Envelope) (T, error) {
	var out T
	if len(strings.TrimSpace(string(env.Data))) == 0 {
		return out, errors.New("envelope has no data")
	}
	err := json.Unmarshal(env.Data, &out)
	return out, err
}
