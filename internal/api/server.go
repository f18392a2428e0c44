package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// Relay is the read side of the hub the diagnostics endpoints need.
type Relay interface {
	Snapshot(ctx context.Context) (types.Snapshot, error)
	GetStats() map[string]interface{}
	IsRunning() bool
}

// Server exposes read-only diagnostics over HTTP and mounts the websocket
// endpoint. Nothing here mutates relay state.
type Server struct {
	relay   Relay
	audit   interfaces.AuditRecorder
	ws      http.Handler
	engine  *gin.Engine
	started time.Time
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Hub       string                 `json:"hub"`
	Audit     string                 `json:"audit"`
	Stats     map[string]interface{} `json:"stats"`
}

type HistoryResponse struct {
	Entries []types.AuditEntry `json:"entries"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type historyQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// NewServer builds the gin engine. mode is a gin mode (release, debug or
// test); a nil audit recorder means the trail is disabled.
func NewServer(mode string, relay Relay, audit interfaces.AuditRecorder, ws http.Handler) *Server {
	gin.SetMode(mode)
	if audit == nil {
		audit = interfaces.NopAuditRecorder{}
	}

	s := &Server{
		relay:   relay,
		audit:   audit,
		ws:      ws,
		engine:  gin.New(),
		started: time.Now(),
	}
	s.setupRoutes(mode)
	return s
}

func (s *Server) setupRoutes(mode string) {
	s.engine.Use(gin.Recovery())
	if mode == gin.DebugMode {
		s.engine.Use(requestLogger())
	}
	s.engine.Use(corsMiddleware())

	s.engine.GET("/health", s.healthCheck)
	if s.ws != nil {
		s.engine.GET("/ws", gin.WrapH(s.ws))
	}

	api := s.engine.Group("/api")
	api.GET("/sessions", s.listSessions)
	api.GET("/stats", s.stats)
	api.GET("/history", s.history)

	log.Info().Str("module", "api").Str("mode", mode).Msg("router setup")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Hub:       "running",
		Audit:     "healthy",
		Stats:     s.relay.GetStats(),
	}
	if !s.relay.IsRunning() {
		resp.Status = "unhealthy"
		resp.Hub = "stopped"
	}
	if _, disabled := s.audit.(interfaces.NopAuditRecorder); disabled {
		resp.Audit = "disabled"
	} else if err := s.audit.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Audit = "error: " + err.Error()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// listSessions returns the hub snapshot: active sessions, connected
// identities and the operator index.
func (s *Server) listSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := s.relay.Snapshot(ctx)
	if err != nil {
		sendError(c, http.StatusServiceUnavailable, "relay is not available")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.relay.GetStats())
}

func (s *Server) history(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		sendError(c, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}

	entries, err := s.audit.Recent(c.Request.Context(), q.Limit)
	switch {
	case errors.Is(err, interfaces.ErrAuditDisabled):
		sendError(c, http.StatusNotFound, "audit trail is disabled")
		return
	case err != nil:
		log.Error().Str("module", "api").Err(err).Msg("audit history query failed")
		sendError(c, http.StatusInternalServerError, "audit history unavailable")
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Entries: entries})
}

func sendError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows every origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("module", "api").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
