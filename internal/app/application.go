package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"screenrelay/internal/api"
	"screenrelay/internal/audit"
	"screenrelay/internal/config"
	"screenrelay/internal/hub"
	"screenrelay/internal/registry"
	"screenrelay/internal/session"
	"screenrelay/internal/websocket"
	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// Application wires the relay components together.
// Initialization order: Audit → Registry/Store → Hub → WebSocket → API → HTTP.
type Application struct {
	config     *config.Config
	audit      interfaces.AuditRecorder
	registry   *registry.Registry
	sessions   *session.Store
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	serveErr   chan error
}

// NewApplication builds every component from cfg without starting any.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var recorder interfaces.AuditRecorder = interfaces.NopAuditRecorder{}
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		auditCfg.Path = cfg.Audit.Path
		auditCfg.Timeout = cfg.Audit.Timeout
		auditCfg.QueueSize = cfg.Audit.QueueSize
		r, err := audit.Open(auditCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit trail: %w", err)
		}
		recorder = r
	}

	reg := registry.NewRegistry()
	sessions := session.NewStore()
	relay := hub.NewHub(hub.Config{
		InboxSize:          cfg.Hub.InboxSize,
		MaxEventsPerMinute: cfg.WebSocket.MaxEventsPerMinute,
	}, reg, sessions, recorder)

	wsHandler := websocket.NewHandler(relay, types.NewParser(cfg.Signaling.ValidateSDP), websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	apiServer := api.NewServer(cfg.HTTP.Mode, relay, recorder, http.HandlerFunc(wsHandler.HandleWebSocket))

	return &Application{
		config:    cfg,
		audit:     recorder,
		registry:  reg,
		sessions:  sessions,
		hub:       relay,
		apiServer: apiServer,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      apiServer,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		serveErr: make(chan error, 1),
	}, nil
}

// Start launches the hub and begins serving HTTP. It returns once the
// listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		if stopErr := app.hub.Stop(); stopErr != nil {
			log.Debug().Str("module", "app").Err(stopErr).Msg("hub stop after listen failure")
		}
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "app").Err(err).Msg("HTTP server error")
			app.serveErr <- err
		}
	}()

	log.Info().Str("module", "app").Str("addr", ln.Addr().String()).Msg("screen relay started")
	return nil
}

// Errors reports a failure of the HTTP server after Start returned.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP, hub, audit trail.
func (app *Application) Stop(ctx context.Context) error {
	log.Info().Str("module", "app").Msg("shutting down screen relay")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	// Hub shutdown closes the websocket connections Shutdown does not track.
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := app.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit shutdown: %w", err))
	}

	log.Info().Str("module", "app").Msg("screen relay shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the HTTP handler serving the API and websocket endpoint.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
