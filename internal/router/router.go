package router

import (
	"github.com/rs/zerolog/log"

	"screenrelay/internal/registry"
	"screenrelay/pkg/interfaces"
	"screenrelay/pkg/types"
)

// Resolver translates a client-supplied address into a live connection.
type Resolver interface {
	Resolve(address string) (interfaces.Connection, bool)
}

// Attribution looks up the operator currently sharing with a viewer.
type Attribution interface {
	OperatorFor(viewerID string) (string, bool)
}

// Delivery describes the outcome of one relay. A miss is not an error:
// undeliverable messages are dropped without telling the sender.
type Delivery struct {
	Event      string
	Target     string
	OperatorID string
	Delivered  bool
}

// Router relays handshake messages between a designated pair of connections.
type Router struct {
	resolver    Resolver
	attribution Attribution
}

// NewRouter creates a signaling router.
func NewRouter(resolver Resolver, attribution Attribution) *Router {
	return &Router{resolver: resolver, attribution: attribution}
}

// Relay forwards an offer, answer or candidate from sender to the request's
// target. Offers are attributed to the operator sharing with the target, or
// to the sender when no session exists for it.
func (r *Router) Relay(sender registry.Metadata, request interface{}) (Delivery, error) {
	var (
		d     Delivery
		frame types.Outbound
	)

	switch req := request.(type) {
	case *types.OfferRequest:
		operatorID, ok := r.attribution.OperatorFor(req.To)
		if !ok {
			operatorID = sender.CanonicalIdentity
		}
		d = Delivery{Event: types.EventOffer, Target: req.To, OperatorID: operatorID}
		frame = types.NewOutbound(types.EventOffer, types.OfferPayload{
			Offer:      req.Offer,
			From:       sender.ConnectionID,
			OperatorID: operatorID,
		})
	case *types.AnswerRequest:
		d = Delivery{Event: types.EventAnswer, Target: req.To}
		frame = types.NewOutbound(types.EventAnswer, types.AnswerPayload{
			Answer: req.Answer,
			From:   sender.ConnectionID,
		})
	case *types.CandidateRequest:
		d = Delivery{Event: types.EventICECandidate, Target: req.To}
		frame = types.NewOutbound(types.EventICECandidate, types.CandidatePayload{
			Candidate: req.Candidate,
			From:      sender.ConnectionID,
		})
	default:
		return Delivery{}, ErrUnsupportedSignal
	}

	target, ok := r.resolver.Resolve(d.Target)
	if !ok {
		log.Debug().Str("module", "router").
			Str("event", d.Event).
			Str("conn", sender.ConnectionID).
			Str("target", d.Target).
			Msg("relay target not connected, dropped")
		return d, nil
	}

	if err := target.WriteJSON(frame); err != nil {
		log.Warn().Err(err).Str("module", "router").
			Str("event", d.Event).
			Str("target", d.Target).
			Msg("relay delivery failed")
		return d, nil
	}

	d.Delivered = true
	log.Debug().Str("module", "router").
		Str("event", d.Event).
		Str("conn", sender.ConnectionID).
		Str("target", d.Target).
		Str("operator", d.OperatorID).
		Msg("relayed")
	return d, nil
}
