package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Event string

// Events a client sends to the relay.
const (
	EventInitiateCall        Event = "initiate-call"
	EventSendAnswer          Event = "send-answer"
	EventICECandidate        Event = "ice-candidate"
	EventUserBusyReply       Event = "user-busy-event"
	EventCallTimeout         Event = "call-timeout"
	EventCallEnded           Event = "call-ended"
	EventMediaControlChange  Event = "media-control-change"
	EventRenegotiationOffer  Event = "renegotiation-offer"
	EventRenegotiationAnswer Event = "renegotiation-answer"
)

// Events the relay delivers to a client. Names shared with the list above
// are delivered unchanged.
const (
	EventIncomingCall            Event = "incoming-call"
	EventCallAnswered            Event = "call-answered"
	EventFoundICECandidate       Event = "found-ice-candidate"
	EventUserBusy                Event = "user-busy"
	EventParticipantDisconnected Event = "participant-disconnected"
)

var delivered = map[Event]Event{
	EventInitiateCall:        EventIncomingCall,
	EventSendAnswer:          EventCallAnswered,
	EventICECandidate:        EventFoundICECandidate,
	EventUserBusyReply:       EventUserBusy,
	EventCallTimeout:         EventCallTimeout,
	EventCallEnded:           EventCallEnded,
	EventMediaControlChange:  EventMediaControlChange,
	EventRenegotiationOffer:  EventRenegotiationOffer,
	EventRenegotiationAnswer: EventRenegotiationAnswer,
}

// Delivered returns the name under which the relay forwards a client event.
func (e Event) Delivered() (Event, bool) {
	d, ok := delivered[e]
	return d, ok
}

type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(event Event, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

var ErrUnroutable = errors.New("envelope has no route")

// Relay rewrites a client envelope into the one delivered to its addressee:
// the event is renamed and "from" is stamped with the authenticated sender.
func (e Envelope) Relay(from UserID) (UserID, Envelope, error) {
	out, ok := e.Event.Delivered()
	if !ok {
		return "", Envelope{}, fmt.Errorf("%w: unknown event %q", ErrUnroutable, e.Event)
	}
	var fields map[string]any
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return "", Envelope{}, fmt.Errorf("%w: %v", ErrUnroutable, err)
	}
	to, _ := fields["to"].(string)
	if to == "" {
		return "", Envelope{}, fmt.Errorf("%w: %s without addressee", ErrUnroutable, e.Event)
	}
	fields["from"] = from.String()
	relayed, err := NewEnvelope(out, fields)
	if err != nil {
		return "", Envelope{}, err
	}
	return UserID(to), relayed, nil
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Validate checks the shape of a remote description before it is handed to
// the connection engine.
func (d *SessionDescription) Validate(want SDPType) error {
	if d == nil {
		return fmt.Errorf("%w: description is missing", ErrInvalidOffer)
	}
	if d.Type == "" || d.SDP == "" {
		return fmt.Errorf("%w: missing required properties (type, sdp)", ErrInvalidOffer)
	}
	if d.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidOffer, want, d.Type)
	}
	return nil
}

// ICECandidate is the trickled candidate. A nil Candidate marks the end of
// candidates.
type ICECandidate struct {
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (c ICECandidate) EndOfCandidates() bool {
	return c.Candidate == nil || *c.Candidate == ""
}

// Route addresses a call-scoped payload.
type Route struct {
	To     UserID `json:"to"`
	From   UserID `json:"from,omitempty"`
	CallID CallID `json:"callId,omitempty"`
}

type CallOffer struct {
	Route
	Type     CallType            `json:"type"`
	CallType CallType            `json:"callType"`
	Offer    *SessionDescription `json:"offer"`
	Controls *MediaControls      `json:"controls,omitempty"`
}

// CallAnswer carries the answer under the "offer" key, as existing clients
// expect.
type CallAnswer struct {
	Route
	Answer   *SessionDescription `json:"offer"`
	Controls *MediaControls      `json:"controls,omitempty"`
}

type CandidateSignal struct {
	Route
	ICECandidate
}

type MediaControlSignal struct {
	Route
	ControlType ControlType `json:"controlType"`
	Enabled     bool        `json:"enabled"`
}

type RenegotiationSignal struct {
	Route
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

type DisconnectSignal struct {
	UserID UserID `json:"userId"`
}
