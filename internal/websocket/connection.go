package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"screenrelay/pkg/interfaces"
)

// Config tunes a websocket connection.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// DefaultConfig returns the connection settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     256,
		MaxMessageSize: 64 * 1024,
	}
}

// Connection wraps a gorilla websocket with a single writer goroutine.
// WriteJSON never blocks: a full send buffer is reported as backpressure.
type Connection struct {
	conn      *websocket.Conn
	id        string
	writeCh   chan []byte
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection starts the writer for conn and identifies it by id.
func NewConnection(conn *websocket.Conn, id string, cfg Config) *Connection {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		id:      id,
		writeCh: make(chan []byte, cfg.BufferSize),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

// ID returns the transport id assigned at upgrade.
func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop owns every data and ping write on the socket. A failed write
// closes the connection so the read loop ends and teardown runs.
func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Str("module", "websocket").Str("conn", c.id).Err(err).Msg("write failed")
				_ = c.Close()
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				log.Debug().Str("module", "websocket").Str("conn", c.id).Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return interfaces.ErrBackpressure
	}
}

// Close stops the writer and closes the socket. It is safe to call more
// than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
