package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"screenrelay/internal/app"
	"screenrelay/internal/config"
	"screenrelay/internal/testutil"
	"screenrelay/pkg/types"
)

const waitTimeout = 2 * time.Second

type relayEnv struct {
	t    *testing.T
	app  *app.Application
	base string
}

// startRelayEnv runs a full application on a free loopback port.
func startRelayEnv(t *testing.T, modify func(*config.Config)) *relayEnv {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.HTTP.Mode = "test"
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Signaling.ValidateSDP = true
	if modify != nil {
		modify(cfg)
	}

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &relayEnv{t: t, app: application, base: "http://" + application.Addr()}
}

func (e *relayEnv) dial() *testutil.Client {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := testutil.Dial(ctx, e.base)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (e *relayEnv) join(userID string, role types.Role) (*testutil.Client, types.RegisteredPayload) {
	e.t.Helper()
	c := e.dial()
	ack, err := c.Register(userID, role)
	require.NoError(e.t, err)
	return c, ack
}

func (e *relayEnv) get(path string, out interface{}) int {
	e.t.Helper()
	resp, err := http.Get(e.base + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func expect[T any](t *testing.T, c *testutil.Client, event string) T {
	t.Helper()
	env, err := c.ReceiveEvent(event, waitTimeout)
	require.NoError(t, err)
	out, err := testutil.DecodeEnvelope[T](env)
	require.NoError(t, err)
	return out
}

// expectNone asserts no frame named event arrives within d.
func expectNone(t *testing.T, c *testutil.Client, event string, d time.Duration) {
	t.Helper()
	if env, err := c.ReceiveEvent(event, d); err == nil {
		t.Fatalf("unexpected %s frame: %s", event, env.Data)
	}
}

const testOfferSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\n"

// rawJSON marshals v for a handshake field.
func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
