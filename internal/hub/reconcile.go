package hub

import (
	"time"

	"github.com/google/uuid"

	"screenrelay/pkg/types"
)

// Reconciliation is the outcome of tearing down one connection.
type Reconciliation struct {
	ConnectionID      string
	CanonicalIdentity string
	PresenceLabels    []string
	PurgedSessions    []types.Session
}

// reconcile purges every piece of state the connection owned and tells the
// remaining observers about each session that ended with it. It runs on the
// hub goroutine, so no other event interleaves with a connection's teardown.
func (h *Hub) reconcile(connID string) (Reconciliation, bool) {
	meta, existed := h.registry.Unregister(connID)
	if !existed {
		return Reconciliation{}, false
	}

	result := Reconciliation{
		ConnectionID:      connID,
		CanonicalIdentity: meta.CanonicalIdentity,
		PresenceLabels:    h.presence.RemoveConnection(connID),
		PurgedSessions:    h.sessions.RemoveByOperator(meta.CanonicalIdentity, meta.RawIdentity),
	}
	h.limiter.Forget(connID)

	for _, sess := range result.PurgedSessions {
		h.broadcaster.Broadcast(types.EventStopSharing, types.StopSharingPayload{ViewerID: sess.ViewerID})
		h.record(types.AuditSessionPurged, sess, connID)
	}

	h.logger.Info().
		Str("conn", connID).
		Str("user", meta.CanonicalIdentity).
		Int("presence_removed", len(result.PresenceLabels)).
		Int("sessions_purged", len(result.PurgedSessions)).
		Msg("connection reconciled")

	return result, true
}

func (h *Hub) record(kind string, sess types.Session, connID string) {
	h.audit.Record(types.AuditEntry{
		ID:                 uuid.NewString(),
		Kind:               kind,
		ViewerID:           sess.ViewerID,
		OperatorID:         sess.OperatorID,
		OriginalOperatorID: sess.OriginalOperatorID,
		ConnectionID:       connID,
		At:                 time.Now().UTC(),
	})
}
