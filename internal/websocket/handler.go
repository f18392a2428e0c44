package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// EventSink receives connection lifecycle items and parsed events. The hub
// implements it.
type EventSink interface {
	Connect(conn interfaces.Connection) error
	Submit(conn interfaces.Connection, in *types.Inbound) error
	Disconnect(conn interfaces.Connection) error
}

// Handler upgrades HTTP requests to websocket connections and pumps their
// frames into the sink.
type Handler struct {
	sink     EventSink
	parser   *types.Parser
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(sink EventSink, parser *types.Parser, cfg Config) *Handler {
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultConfig().PongWait
	}
	return &Handler{
		sink:   sink,
		parser: parser,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: log.With().Str("module", "websocket").Logger(),
	}
}

// HandleWebSocket upgrades the request and starts reading from the new
// connection. Identity is presented later through a register event.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, uuid.NewString(), h.cfg)
	if err := h.sink.Connect(conn); err != nil {
		h.logger.Error().Err(err).Str("conn", conn.ID()).Msg("connection rejected")
		if closeErr := conn.Close(); closeErr != nil {
			h.logger.Debug().Err(closeErr).Str("conn", conn.ID()).Msg("close after rejection")
		}
		return
	}
	h.logger.Info().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("websocket connected")

	go h.readPump(conn)
}

// readPump reads frames until the socket fails or the pong deadline
// passes, then hands the connection to the sink for teardown.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		if err := h.sink.Disconnect(conn); err != nil {
			h.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("disconnect not queued")
		}
		if err := conn.Close(); err != nil {
			h.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("close after read loop")
		}
		h.logger.Info().Str("conn", conn.ID()).Msg("websocket disconnected")
	}()

	ws := conn.conn
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		in, err := h.parser.Parse(data)
		if err != nil {
			h.reject(conn, err)
			continue
		}
		if err := h.sink.Submit(conn, in); err != nil {
			h.logger.Warn().Err(err).Str("conn", conn.ID()).Str("event", in.Event).Msg("event not queued")
			return
		}
	}
}

func (h *Handler) reject(conn *Connection, err error) {
	payload := types.ErrorPayload{Message: err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		payload.Event = verr.Event
	}
	h.logger.Debug().Err(err).Str("conn", conn.ID()).Msg("invalid frame")
	if werr := conn.WriteJSON(types.NewOutbound(types.EventError, payload)); werr != nil {
		h.logger.Debug().Err(werr).Str("conn", conn.ID()).Msg("error reply failed")
	}
}
