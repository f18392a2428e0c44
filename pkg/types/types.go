package types

import (
	"encoding/json"
	"time"
)

// Inbound event names, as sent by clients.
const (
	EventRegister          = "register"
	EventStartSharing      = "start-sharing"
	EventStopSharing       = "stop-sharing"
	EventViewerRegister    = "viewer-register"
	EventCheckViewerEmail  = "check-viewer-email"
	EventOffer             = "offer"
	EventAnswer            = "answer"
	EventICECandidate      = "ice-candidate"
	EventGetActiveSessions = "get-active-sessions"
)

// Outbound-only event names. start-sharing, stop-sharing, offer, answer and
// ice-candidate are reused in both directions.
const (
	EventStartViewing   = "start-viewing"
	EventViewerVerified = "viewer-verified"
	EventViewerNotFound = "viewer-not-found"
	EventActiveSessions = "active-sessions"
	EventRegistered     = "registered"
	EventError          = "error"
)

// Role is the part a connection plays in screen sharing.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleObserver Role = "observer"
)

// roleAdmin is the observer role name used by earlier deployments.
const roleAdmin = "admin"

// Envelope is the frame exchanged over a connection in both directions.
// Inbound frames keep Data raw until the event-specific decode.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is the frame written to a connection.
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// NewOutbound builds an outbound frame.
func NewOutbound(event string, data interface{}) Outbound {
	return Outbound{Event: event, Data: data}
}

// Session is one active operator->viewer screen-sharing relationship.
type Session struct {
	ViewerID           string    `json:"viewerId"`
	OperatorID         string    `json:"operatorId"`
	OriginalOperatorID string    `json:"originalOperatorId"`
	StartTime          time.Time `json:"startTime"`
}

// Snapshot is a read-only diagnostic view of the relay state.
type Snapshot struct {
	Sessions            []Session         `json:"sessions"`
	ConnectedIdentities []string          `json:"connectedIdentities"`
	OperatorIndex       map[string]string `json:"operatorIndex"`
}

// Inbound request payloads. Field tags drive validation in Parser.Parse.

// RegisterRequest binds a connection to an identity and role.
type RegisterRequest struct {
	UserID string `json:"userId" validate:"required,max=256"`
	Role   string `json:"role" validate:"required"`
}

// StartSharingRequest opens (or replaces) the session for a viewer.
type StartSharingRequest struct {
	ViewerID   string `json:"viewerId" validate:"required,max=256"`
	OperatorID string `json:"operatorId" validate:"required,max=256"`
}

// StopSharingRequest ends the session for a viewer.
type StopSharingRequest struct {
	ViewerID string `json:"viewerId" validate:"required,max=256"`
}

// ViewerRegisterRequest announces an email label for the sending connection.
type ViewerRegisterRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

// CheckViewerEmailRequest asks whether an email label is present.
type CheckViewerEmailRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

// Handshake requests carry their description or candidate as raw JSON so
// it reaches the target exactly as the sender wrote it.

// OfferRequest relays an RTCSessionDescription of type offer.
type OfferRequest struct {
	To    string          `json:"to" validate:"required"`
	Offer json.RawMessage `json:"offer"`
}

// AnswerRequest relays an RTCSessionDescription of type answer or pranswer.
type AnswerRequest struct {
	To     string          `json:"to" validate:"required"`
	Answer json.RawMessage `json:"answer"`
}

// CandidateRequest relays an RTCIceCandidateInit. A null candidate marks
// the end of candidates.
type CandidateRequest struct {
	To        string          `json:"to" validate:"required"`
	Candidate json.RawMessage `json:"candidate"`
}

// Outbound payloads.

// StartViewingPayload tells a viewer which operator is sharing with it.
type StartViewingPayload struct {
	Channel            string `json:"channel"`
	OperatorID         string `json:"operatorId"`
	OriginalOperatorID string `json:"originalOperatorId"`
}

// StartSharingPayload announces a session to observers.
type StartSharingPayload struct {
	ViewerID           string `json:"viewerId"`
	OperatorID         string `json:"operatorId"`
	OriginalOperatorID string `json:"originalOperatorId"`
}

// StopSharingPayload announces the end of a viewer's session.
type StopSharingPayload struct {
	ViewerID string `json:"viewerId"`
}

// ViewerVerifiedPayload carries the connection id behind an email label.
type ViewerVerifiedPayload struct {
	ViewerID string `json:"viewerId"`
}

// ViewerNotFoundPayload echoes an email label with no live connection.
type ViewerNotFoundPayload struct {
	Email string `json:"email"`
}

// OfferPayload forwards an offer with its sender and attributed operator.
type OfferPayload struct {
	Offer      json.RawMessage `json:"offer"`
	From       string          `json:"from"`
	OperatorID string          `json:"operatorId,omitempty"`
}

// AnswerPayload forwards an answer with its sender.
type AnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
	From   string          `json:"from"`
}

// CandidatePayload forwards a candidate, possibly null, with its sender.
type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

// RegisteredPayload acknowledges a registration.
type RegisteredPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	CanonicalID  string `json:"canonicalId"`
	Role         Role   `json:"role"`
}

// ErrorPayload reports a rejected event to its sender.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// StartSharingFor renders a session as its observer notification.
func StartSharingFor(s Session) StartSharingPayload {
	return StartSharingPayload{
		ViewerID:           s.ViewerID,
		OperatorID:         s.OperatorID,
		OriginalOperatorID: s.OriginalOperatorID,
	}
}

// Audit entry kinds.
const (
	AuditSessionStarted = "session_started"
	AuditSessionStopped = "session_stopped"
	AuditSessionPurged  = "session_purged"
)

// AuditEntry is one row of the session lifecycle trail.
type AuditEntry struct {
	ID                 string    `json:"id"`
	Kind               string    `json:"kind"`
	ViewerID           string    `json:"viewerId"`
	OperatorID         string    `json:"operatorId,omitempty"`
	OriginalOperatorID string    `json:"originalOperatorId,omitempty"`
	ConnectionID       string    `json:"connectionId,omitempty"`
	At                 time.Time `json:"at"`
}
