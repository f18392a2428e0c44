package hub

import (
	"github.com/rs/zerolog/log"

	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// ObserverSource lists the connections currently registered as observers.
type ObserverSource interface {
	ByRole(role types.Role) []interfaces.Connection
}

// Broadcaster pushes session lifecycle events to every observer.
type Broadcaster struct {
	observers ObserverSource
}

// NewBroadcaster creates a broadcaster over the given observer source.
func NewBroadcaster(observers ObserverSource) *Broadcaster {
	return &Broadcaster{observers: observers}
}

// Broadcast writes event to every observer registered at the time of the
// call and returns how many writes succeeded. A failed write is logged and
// does not stop delivery to the remaining observers.
func (b *Broadcaster) Broadcast(event string, data interface{}) int {
	frame := types.NewOutbound(event, data)
	delivered := 0
	for _, conn := range b.observers.ByRole(types.RoleObserver) {
		if err := conn.WriteJSON(frame); err != nil {
			log.Warn().Str("module", "broadcast").
				Str("event", event).
				Str("conn", conn.ID()).
				Err(err).
				Msg("observer write failed")
			continue
		}
		delivered++
	}
	return delivered
}
