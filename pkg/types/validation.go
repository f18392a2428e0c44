package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// IdentityDelimiter separates a user id from its role suffix ("op1_operator").
const IdentityDelimiter = "_"

// Canonicalize strips the role suffix from a raw identity by keeping
// everything before the first delimiter. Canonicalize(Canonicalize(x)) ==
// Canonicalize(x).
func Canonicalize(raw string) string {
	if idx := strings.Index(raw, IdentityDelimiter); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// ParseRole maps a client-supplied role name onto a Role. "admin" is an
// alias for observer.
func ParseRole(name string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(name))) {
	case RoleOperator:
		return RoleOperator, nil
	case RoleViewer:
		return RoleViewer, nil
	case RoleObserver, roleAdmin:
		return RoleObserver, nil
	default:
		return "", ErrInvalidRole
	}
}

// IsValidRole reports whether r is one of the three known roles.
func IsValidRole(r Role) bool {
	return r == RoleOperator || r == RoleViewer || r == RoleObserver
}

// Inbound is a decoded and validated client event. Request holds a pointer
// to the event's request struct, or nil for events without data.
type Inbound struct {
	Event   string
	Request interface{}
}

// Parser decodes inbound frames. It is safe for concurrent use.
type Parser struct {
	validate    *validator.Validate
	validateSDP bool
}

// NewParser creates a parser. Handshake payloads are opaque unless
// validateSDP is set; then descriptions must have a matching type and SDP
// that parses, and non-null candidates must decode as RTCIceCandidateInit.
func NewParser(validateSDP bool) *Parser {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Parser{validate: v, validateSDP: validateSDP}
}

// Parse decodes one frame into an Inbound. Every failure is a *ValidationError.
func (p *Parser) Parse(frame []byte) (*Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ValidationError{Reason: "frame is not a JSON event envelope", Err: ErrMalformedFrame}
	}
	if env.Event == "" {
		return nil, &ValidationError{Reason: "frame has no event name", Err: ErrMalformedFrame}
	}

	var req interface{}
	switch env.Event {
	case EventRegister:
		req = &RegisterRequest{}
	case EventStartSharing:
		req = &StartSharingRequest{}
	case EventStopSharing:
		req = &StopSharingRequest{}
	case EventViewerRegister:
		req = &ViewerRegisterRequest{}
	case EventCheckViewerEmail:
		req = &CheckViewerEmailRequest{}
	case EventOffer:
		req = &OfferRequest{}
	case EventAnswer:
		req = &AnswerRequest{}
	case EventICECandidate:
		req = &CandidateRequest{}
	case EventGetActiveSessions:
		return &Inbound{Event: env.Event}, nil
	default:
		return nil, &ValidationError{Event: env.Event, Reason: "is not a known event", Err: ErrUnknownEvent}
	}

	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, &ValidationError{Event: env.Event, Reason: fmt.Sprintf("has malformed data: %v", err), Err: ErrMalformedFrame}
	}
	if err := p.validate.Struct(req); err != nil {
		return nil, fieldError(env.Event, err)
	}
	if err := p.check(env.Event, req); err != nil {
		return nil, err
	}
	return &Inbound{Event: env.Event, Request: req}, nil
}

// check applies the rules struct tags cannot express.
func (p *Parser) check(event string, req interface{}) error {
	switch r := req.(type) {
	case *RegisterRequest:
		if _, err := ParseRole(r.Role); err != nil {
			return &ValidationError{Event: event, Field: "role", Reason: "must be operator, viewer or observer", Err: err}
		}
		if Canonicalize(r.UserID) == "" {
			return &ValidationError{Event: event, Field: "userId", Reason: "is empty after normalization", Err: ErrEmptyIdentity}
		}
	case *StartSharingRequest:
		if Canonicalize(r.OperatorID) == "" {
			return &ValidationError{Event: event, Field: "operatorId", Reason: "is empty after normalization", Err: ErrEmptyIdentity}
		}
	case *OfferRequest:
		return p.checkDescription(event, "offer", r.Offer, webrtc.SDPTypeOffer)
	case *AnswerRequest:
		return p.checkDescription(event, "answer", r.Answer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
	case *CandidateRequest:
		return p.checkCandidate(event, r.Candidate)
	}
	return nil
}

func (p *Parser) checkDescription(event, field string, raw json.RawMessage, allowed ...webrtc.SDPType) error {
	if isNull(raw) {
		return &ValidationError{Event: event, Field: field, Reason: "is required", Err: ErrMissingSDP}
	}
	if !p.validateSDP {
		return nil
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return &ValidationError{Event: event, Field: field, Reason: fmt.Sprintf("is not a session description: %v", err), Err: ErrMalformedFrame}
	}
	if !containsType(allowed, desc.Type) {
		return &ValidationError{Event: event, Field: field, Reason: "must have type " + typeNames(allowed), Err: ErrSDPTypeMismatch}
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return &ValidationError{Event: event, Field: field, Reason: "does not carry valid SDP", Err: fmt.Errorf("%w: %v", ErrInvalidSDP, err)}
	}
	return nil
}

func (p *Parser) checkCandidate(event string, raw json.RawMessage) error {
	if !p.validateSDP || isNull(raw) {
		return nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return &ValidationError{Event: event, Field: "candidate", Reason: "is not an ICE candidate", Err: fmt.Errorf("%w: %v", ErrInvalidCandidate, err)}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func containsType(allowed []webrtc.SDPType, t webrtc.SDPType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func typeNames(allowed []webrtc.SDPType) string {
	names := make([]string, len(allowed))
	for i, t := range allowed {
		names[i] = t.String()
	}
	return strings.Join(names, " or ")
}

func fieldError(event string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Event: event, Reason: err.Error(), Err: ErrMalformedFrame}
	}
	fe := fieldErrs[0]
	reason := "is invalid"
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "max":
		reason = "exceeds " + fe.Param() + " characters"
	}
	return &ValidationError{Event: event, Field: fe.Field(), Reason: reason, Err: fe}
}
