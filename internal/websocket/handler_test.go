package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/hub"
	"screenrelay/internal/registry"
	"screenrelay/internal/session"
	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

type rejectingSink struct{}

func (rejectingSink) Connect(interfaces.Connection) error {
	return errors.New("no capacity")
}
func (rejectingSink) Submit(interfaces.Connection, *types.Inbound) error { return nil }
func (rejectingSink) Disconnect(interfaces.Connection) error             { return nil }

func startRelay(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.NewHub(hub.DefaultConfig(), registry.NewRegistry(), session.NewStore(), nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	handler := NewHandler(h, types.NewParser(true), DefaultConfig())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return h, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(types.Envelope{Event: event, Data: raw}))
}

// readEvent skips frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) types.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env types.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func decode[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func registerClient(t *testing.T, url, userID string, role types.Role) (*websocket.Conn, types.RegisteredPayload) {
	t.Helper()
	conn := dial(t, url)
	send(t, conn, types.EventRegister, types.RegisterRequest{UserID: userID, Role: string(role)})
	ack := decode[types.RegisteredPayload](t, readEvent(t, conn, types.EventRegistered))
	return conn, ack
}

func TestHandler_RegisterAck(t *testing.T) {
	_, url := startRelay(t)

	_, ack := registerClient(t, url, "op1_operator", types.RoleOperator)

	_, err := uuid.Parse(ack.ConnectionID)
	assert.NoError(t, err, "connection id is a uuid")
	assert.Equal(t, "op1", ack.CanonicalID)
	assert.Equal(t, "op1_operator", ack.UserID)
	assert.Equal(t, types.RoleOperator, ack.Role)
}

func TestHandler_InvalidFrameAnsweredWithError(t *testing.T) {
	_, url := startRelay(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errPayload := decode[types.ErrorPayload](t, readEvent(t, conn, types.EventError))
	assert.NotEmpty(t, errPayload.Message)

	send(t, conn, types.EventStartSharing, map[string]string{"viewerId": "v1"})
	errPayload = decode[types.ErrorPayload](t, readEvent(t, conn, types.EventError))
	assert.Equal(t, types.EventStartSharing, errPayload.Event)
	assert.Contains(t, errPayload.Message, "operatorId")

	// The connection survives bad input.
	send(t, conn, types.EventRegister, types.RegisterRequest{UserID: "v1", Role: "viewer"})
	readEvent(t, conn, types.EventRegistered)
}

func TestHandler_InvalidSDPRejected(t *testing.T) {
	_, url := startRelay(t)
	conn := dial(t, url)

	send(t, conn, types.EventOffer, map[string]interface{}{
		"to":    "anyone",
		"offer": map[string]string{"type": "offer", "sdp": "garbage"},
	})
	errPayload := decode[types.ErrorPayload](t, readEvent(t, conn, types.EventError))
	assert.Equal(t, types.EventOffer, errPayload.Event)
}

func TestHandler_ScreenShareLifecycle(t *testing.T) {
	_, url := startRelay(t)
	observer, _ := registerClient(t, url, "boss", types.RoleObserver)
	viewer, viewerAck := registerClient(t, url, "v1", types.RoleViewer)
	operator, _ := registerClient(t, url, "op1_operator", types.RoleOperator)

	send(t, operator, types.EventStartSharing, types.StartSharingRequest{ViewerID: "v1", OperatorID: "op1_operator"})

	view := decode[types.StartViewingPayload](t, readEvent(t, viewer, types.EventStartViewing))
	assert.Equal(t, types.StartViewingPayload{Channel: "v1", OperatorID: "op1", OriginalOperatorID: "op1_operator"}, view)

	share := decode[types.StartSharingPayload](t, readEvent(t, observer, types.EventStartSharing))
	assert.Equal(t, "v1", share.ViewerID)
	assert.Equal(t, "op1", share.OperatorID)

	send(t, operator, types.EventOffer, map[string]interface{}{
		"to":    viewerAck.ConnectionID,
		"offer": map[string]string{"type": "offer", "sdp": "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"},
	})
	offer := decode[types.OfferPayload](t, readEvent(t, viewer, types.EventOffer))
	assert.Equal(t, "op1", offer.OperatorID)

	require.NoError(t, operator.Close())
	stop := decode[types.StopSharingPayload](t, readEvent(t, observer, types.EventStopSharing))
	assert.Equal(t, "v1", stop.ViewerID)
}

func TestHandler_ConnectRejected(t *testing.T) {
	handler := NewHandler(rejectingSink{}, types.NewParser(false), DefaultConfig())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandler_HubStopClosesSockets(t *testing.T) {
	h, url := startRelay(t)
	conn, _ := registerClient(t, url, "v1", types.RoleViewer)

	require.NoError(t, h.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHandler_PlainHTTPRejected(t *testing.T) {
	handler := NewHandler(rejectingSink{}, types.NewParser(false), DefaultConfig())
	rec := httptest.NewRecorder()
	handler.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
