package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"screenrelay/internal/registry"
	"screenrelay/internal/router"
	"screenrelay/internal/session"
	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// Config tunes the hub.
type Config struct {
	InboxSize          int
	MaxEventsPerMinute int
}

// DefaultConfig returns the hub settings used when none are configured.
func DefaultConfig() Config {
	return Config{InboxSize: 1024, MaxEventsPerMinute: 600}
}

type itemKind int

const (
	itemConnect itemKind = iota
	itemEvent
	itemDisconnect
	itemSnapshot
)

type item struct {
	kind    itemKind
	conn    interfaces.Connection
	inbound *types.Inbound
	reply   chan types.Snapshot
}

// Hub owns the registry, presence index and session store. Every mutation
// runs on the hub goroutine in the order it was submitted, so a
// connection's disconnect is always handled after its earlier events.
type Hub struct {
	inbox  chan item
	done   chan struct{}
	exited chan struct{}

	registry    *registry.Registry
	presence    *registry.PresenceIndex
	sessions    *session.Store
	router      *router.Router
	broadcaster *Broadcaster
	limiter     *router.RateLimiter
	audit       interfaces.AuditRecorder
	logger      zerolog.Logger

	processed   atomic.Int64
	rateLimited atomic.Int64
	dropped     atomic.Int64

	running  bool
	stopped  bool
	stopOnce sync.Once
	mu       sync.RWMutex
}

// NewHub creates a hub over the given registry and session store. A nil
// audit recorder disables the audit trail.
func NewHub(cfg Config, reg *registry.Registry, sessions *session.Store, audit interfaces.AuditRecorder) *Hub {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if audit == nil {
		audit = interfaces.NopAuditRecorder{}
	}
	return &Hub{
		inbox:       make(chan item, cfg.InboxSize),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		registry:    reg,
		presence:    registry.NewPresenceIndex(),
		sessions:    sessions,
		router:      router.NewRouter(reg, sessions),
		broadcaster: NewBroadcaster(reg),
		limiter:     router.NewRateLimiter(cfg.MaxEventsPerMinute, time.Minute),
		audit:       audit,
		logger:      log.With().Str("module", "hub").Logger(),
	}
}

// Start launches the hub goroutine. The hub stops when ctx is cancelled or
// Stop is called; a stopped hub cannot be restarted.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHubStopped
	}
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true

	h.logger.Info().Int("inbox_size", cap(h.inbox)).Msg("starting hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for its goroutine to exit. Events still
// queued are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	h.mu.Unlock()

	h.logger.Info().Msg("stopping hub")
	h.stopOnce.Do(func() { close(h.done) })
	<-h.exited
	return nil
}

// IsRunning reports whether the hub is accepting work.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect hands a new transport connection to the hub.
func (h *Hub) Connect(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	return h.enqueue(item{kind: itemConnect, conn: conn})
}

// Submit queues a validated inbound event from conn.
func (h *Hub) Submit(conn interfaces.Connection, in *types.Inbound) error {
	if conn == nil {
		return ErrNilConnection
	}
	if in == nil {
		return ErrNilInbound
	}
	return h.enqueue(item{kind: itemEvent, conn: conn, inbound: in})
}

// Disconnect queues the teardown of conn. It is processed after every event
// conn submitted before it.
func (h *Hub) Disconnect(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	return h.enqueue(item{kind: itemDisconnect, conn: conn})
}

// Snapshot returns the active sessions, connected identities and operator
// index as of a single point in the hub's event order.
func (h *Hub) Snapshot(ctx context.Context) (types.Snapshot, error) {
	reply := make(chan types.Snapshot, 1)
	if err := h.enqueue(item{kind: itemSnapshot, reply: reply}); err != nil {
		return types.Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-h.done:
		return types.Snapshot{}, ErrHubStopped
	case <-ctx.Done():
		return types.Snapshot{}, ctx.Err()
	}
}

// GetStats returns hub and state counters for monitoring.
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             h.IsRunning(),
		"inbox_depth":         len(h.inbox),
		"events_processed":    h.processed.Load(),
		"events_rate_limited": h.rateLimited.Load(),
		"relays_dropped":      h.dropped.Load(),
		"presence_entries":    h.presence.Len(),
		"registry":            h.registry.GetStats(),
		"sessions":            h.sessions.GetStats(),
	}
}

func (h *Hub) enqueue(it item) error {
	h.mu.RLock()
	running, stopped := h.running, h.stopped
	h.mu.RUnlock()
	if !running {
		if stopped {
			return ErrHubStopped
		}
		return ErrHubNotRunning
	}

	select {
	case h.inbox <- it:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) run(ctx context.Context) {
	cleanup := time.NewTicker(time.Minute)
	defer func() {
		cleanup.Stop()
		h.shutdown()
	}()

	for {
		select {
		case it := <-h.inbox:
			h.handle(it)
		case <-cleanup.C:
			h.limiter.Cleanup()
		case <-h.done:
			h.logger.Info().Msg("hub shutdown requested")
			return
		case <-ctx.Done():
			h.logger.Info().Msg("hub context cancelled")
			return
		}
	}
}

// shutdown closes every live connection so their read loops return.
func (h *Hub) shutdown() {
	h.mu.Lock()
	h.running = false
	h.stopped = true
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.done) })

	conns := h.registry.All()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			h.logger.Debug().Str("conn", conn.ID()).Err(err).Msg("close on shutdown failed")
		}
	}
	h.logger.Info().Int("closed_connections", len(conns)).Msg("hub stopped")
	close(h.exited)
}

func (h *Hub) handle(it item) {
	switch it.kind {
	case itemConnect:
		h.handleConnect(it.conn)
	case itemEvent:
		h.handleEvent(it.conn, it.inbound)
	case itemDisconnect:
		h.reconcile(it.conn.ID())
	case itemSnapshot:
		it.reply <- h.snapshot()
	}
}

func (h *Hub) handleConnect(conn interfaces.Connection) {
	if err := h.registry.Attach(conn); err != nil {
		h.logger.Error().Str("conn", conn.ID()).Err(err).Msg("connection attach failed")
		if closeErr := conn.Close(); closeErr != nil {
			h.logger.Debug().Str("conn", conn.ID()).Err(closeErr).Msg("close after attach failure")
		}
		return
	}
	h.logger.Debug().Str("conn", conn.ID()).Msg("connection attached")
}

func (h *Hub) handleEvent(conn interfaces.Connection, in *types.Inbound) {
	sender, ok := h.registry.Lookup(conn.ID())
	if !ok {
		h.logger.Debug().Str("conn", conn.ID()).Str("event", in.Event).Msg("event from detached connection dropped")
		return
	}
	if !h.limiter.Allow(conn.ID()) {
		h.rateLimited.Add(1)
		h.sendError(conn, in.Event, router.ErrRateLimitExceeded)
		return
	}
	h.processed.Add(1)

	switch req := in.Request.(type) {
	case *types.RegisterRequest:
		h.handleRegister(conn, req)
	case *types.StartSharingRequest:
		h.handleStartSharing(sender, req)
	case *types.StopSharingRequest:
		h.handleStopSharing(sender, req)
	case *types.ViewerRegisterRequest:
		h.presence.Set(req.Email, conn.ID())
		h.logger.Info().Str("email", req.Email).Str("conn", conn.ID()).Msg("viewer registered")
	case *types.CheckViewerEmailRequest:
		h.handleCheckViewerEmail(conn, req)
	case *types.OfferRequest, *types.AnswerRequest, *types.CandidateRequest:
		h.handleRelay(conn, sender, in.Event, req)
	case nil:
		if in.Event == types.EventGetActiveSessions {
			h.handleActiveSessions(conn, sender)
			return
		}
		h.sendError(conn, in.Event, types.ErrUnknownEvent)
	default:
		h.sendError(conn, in.Event, types.ErrUnknownEvent)
	}
}

func (h *Hub) handleRegister(conn interfaces.Connection, req *types.RegisterRequest) {
	role, err := types.ParseRole(req.Role)
	if err != nil {
		h.sendError(conn, types.EventRegister, err)
		return
	}
	canonical, err := h.registry.Register(conn.ID(), req.UserID, role)
	if err != nil {
		h.sendError(conn, types.EventRegister, err)
		return
	}

	h.write(conn, types.EventRegistered, types.RegisteredPayload{
		ConnectionID: conn.ID(),
		UserID:       req.UserID,
		CanonicalID:  canonical,
		Role:         role,
	})
	h.logger.Info().
		Str("user", canonical).
		Str("raw_user", req.UserID).
		Str("role", string(role)).
		Str("conn", conn.ID()).
		Msg("connection registered")

	if role == types.RoleObserver {
		replayed := h.replay(conn)
		h.logger.Debug().Str("conn", conn.ID()).Int("sessions", replayed).Msg("replayed active sessions")
	}
}

// replay sends one start-sharing event per active session to conn.
func (h *Hub) replay(conn interfaces.Connection) int {
	active := h.sessions.Active()
	for _, sess := range active {
		h.write(conn, types.EventStartSharing, types.StartSharingFor(sess))
	}
	return len(active)
}

func (h *Hub) handleStartSharing(sender registry.Metadata, req *types.StartSharingRequest) {
	sess, replaced, err := h.sessions.Start(req.ViewerID, req.OperatorID)
	if err != nil {
		h.sendErrorTo(sender.ConnectionID, types.EventStartSharing, err)
		return
	}
	if replaced != nil {
		h.record(types.AuditSessionStopped, *replaced, sender.ConnectionID)
	}
	h.record(types.AuditSessionStarted, sess, sender.ConnectionID)

	if viewer, ok := h.registry.Resolve(sess.ViewerID); ok {
		h.write(viewer, types.EventStartViewing, types.StartViewingPayload{
			Channel:            sess.ViewerID,
			OperatorID:         sess.OperatorID,
			OriginalOperatorID: sess.OriginalOperatorID,
		})
	} else {
		h.logger.Warn().Str("viewer", sess.ViewerID).Msg("viewer not connected")
	}

	observers := h.broadcaster.Broadcast(types.EventStartSharing, types.StartSharingFor(sess))
	h.logger.Info().
		Str("viewer", sess.ViewerID).
		Str("operator", sess.OperatorID).
		Str("raw_operator", sess.OriginalOperatorID).
		Bool("replaced", replaced != nil).
		Int("observers", observers).
		Msg("screen sharing started")
}

func (h *Hub) handleStopSharing(sender registry.Metadata, req *types.StopSharingRequest) {
	sess, existed := h.sessions.Stop(req.ViewerID)
	if !existed {
		h.logger.Debug().Str("viewer", req.ViewerID).Msg("stop for viewer without session ignored")
		return
	}
	h.record(types.AuditSessionStopped, sess, sender.ConnectionID)

	payload := types.StopSharingPayload{ViewerID: sess.ViewerID}
	if viewer, ok := h.registry.Resolve(sess.ViewerID); ok {
		h.write(viewer, types.EventStopSharing, payload)
	}
	observers := h.broadcaster.Broadcast(types.EventStopSharing, payload)
	h.logger.Info().Str("viewer", sess.ViewerID).Int("observers", observers).Msg("screen sharing stopped")
}

func (h *Hub) handleCheckViewerEmail(conn interfaces.Connection, req *types.CheckViewerEmailRequest) {
	if viewerID, ok := h.presence.Lookup(req.Email); ok {
		h.write(conn, types.EventViewerVerified, types.ViewerVerifiedPayload{ViewerID: viewerID})
		return
	}
	h.write(conn, types.EventViewerNotFound, types.ViewerNotFoundPayload{Email: req.Email})
}

func (h *Hub) handleRelay(conn interfaces.Connection, sender registry.Metadata, event string, req interface{}) {
	d, err := h.router.Relay(sender, req)
	if err != nil {
		h.sendError(conn, event, err)
		return
	}
	if !d.Delivered {
		h.dropped.Add(1)
	}
}

// handleActiveSessions answers observers only; other roles are ignored.
func (h *Hub) handleActiveSessions(conn interfaces.Connection, sender registry.Metadata) {
	if sender.Role != types.RoleObserver {
		h.logger.Debug().Str("conn", conn.ID()).Str("role", string(sender.Role)).Msg("active sessions request ignored")
		return
	}
	h.write(conn, types.EventActiveSessions, h.snapshot())
}

func (h *Hub) snapshot() types.Snapshot {
	snap := types.Snapshot{
		Sessions:            h.sessions.Active(),
		ConnectedIdentities: h.registry.Identities(),
		OperatorIndex:       h.sessions.OperatorIndex(),
	}
	if snap.Sessions == nil {
		snap.Sessions = []types.Session{}
	}
	return snap
}

func (h *Hub) write(conn interfaces.Connection, event string, data interface{}) {
	if err := conn.WriteJSON(types.NewOutbound(event, data)); err != nil {
		h.logger.Warn().Str("conn", conn.ID()).Str("event", event).Err(err).Msg("write failed")
	}
}

func (h *Hub) sendError(conn interfaces.Connection, event string, err error) {
	h.logger.Debug().Str("conn", conn.ID()).Str("event", event).Err(err).Msg("event rejected")
	h.write(conn, types.EventError, types.ErrorPayload{Event: event, Message: err.Error()})
}

func (h *Hub) sendErrorTo(connID, event string, err error) {
	if conn, ok := h.registry.Connection(connID); ok {
		h.sendError(conn, event, err)
	}
}
