package model

import "encoding/json"

// Kind discriminates signaling messages.
type Kind string

// Inbound kinds.
const (
	KindCreate    Kind = "create"
	KindJoin      Kind = "join"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindControl   Kind = "control"
)

// Outbound-only kinds.
const (
	KindCreated    Kind = "created"
	KindPeerJoined Kind = "peer-joined"
	KindError      Kind = "error"
)

// Message is the normalized signaling envelope. SDP, Candidate and Event
// payloads are opaque to the server and relayed verbatim.
//
// Two client dialects exist on the wire: action/event and type/payload.
// Unmarshalling accepts both; marshalling always emits the type dialect.
type Message struct {
	Kind      Kind
	Code      string
	SDP       json.RawMessage
	Candidate json.RawMessage
	Event     json.RawMessage
	Reason    string
}

type envelope struct {
	Action    string          `json:"action,omitempty"`
	Type      string          `json:"type,omitempty"`
	Code      string          `json:"code,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	kind := env.Action
	if kind == "" {
		kind = env.Type
	}
	m.Kind = Kind(kind)
	m.Code = env.Code
	m.SDP = env.SDP
	m.Candidate = env.Candidate
	m.Event = env.Event
	if m.Event == nil {
		m.Event = env.Payload
	}
	m.Reason = env.Reason
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Type:      string(m.Kind),
		Code:      m.Code,
		SDP:       m.SDP,
		Candidate: m.Candidate,
		Event:     m.Event,
		Reason:    m.Reason,
	})
}

func Created(code string) Message {
	return Message{Kind: KindCreated, Code: code}
}

func PeerJoined(code string) Message {
	return Message{Kind: KindPeerJoined, Code: code}
}

func Offer(sdp json.RawMessage) Message {
	return Message{Kind: KindOffer, SDP: sdp}
}

func Answer(sdp json.RawMessage) Message {
	return Message{Kind: KindAnswer, SDP: sdp}
}

func Candidate(candidate json.RawMessage) Message {
	return Message{Kind: KindCandidate, Candidate: candidate}
}

func Control(event json.RawMessage) Message {
	return Message{Kind: KindControl, Event: event}
}

func ErrorReply(reason string) Message {
	return Message{Kind: KindError, Reason: reason}
}
