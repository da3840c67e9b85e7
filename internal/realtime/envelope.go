package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"siderec/internal/models"
)

// Message kinds accepted from clients.
const (
	KindJoinMeeting    = "join-meeting"
	KindLeaveMeeting   = "leave-meeting"
	KindClientReady    = "client-ready"
	KindOffer          = "offer"
	KindAnswer         = "answer"
	KindICECandidate   = "ice-candidate"
	KindChatMessage    = "chat-message"
	KindHandRaised     = "hand-raised"
	KindMuted          = "participant-muted"
	KindVideoToggled   = "participant-video-toggled"
	KindHello          = "hello"
	KindError          = "error"
	KindJoined         = "joined"
	maxChatMessageRune = 2000
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

func encode(kind string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Kind: kind, Payload: payload})
}

var errInvalidEnvelope = errors.New("invalid message")

// Inbound payloads.

type joinPayload struct {
	MeetingID string          `json:"meetingId"`
	User      models.UserInfo `json:"user"`
}

type readyPayload struct {
	MeetingID  string `json:"meetingId"`
	FromConnID string `json:"fromConnId,omitempty"`
}

type signalPayload struct {
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// body returns the field carrying the session description or candidate for
// the given kind.
func (p signalPayload) body(kind string) json.RawMessage {
	switch kind {
	case KindOffer:
		return p.Offer
	case KindAnswer:
		return p.Answer
	default:
		return p.Candidate
	}
}

type chatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type chatPayload struct {
	Message chatMessage `json:"message"`
}

type handRaisedPayload struct {
	UserID       string `json:"userId"`
	IsHandRaised bool   `json:"isHandRaised"`
}

type mutedPayload struct {
	UserID  string `json:"userId"`
	IsMuted bool   `json:"isMuted"`
}

type videoToggledPayload struct {
	UserID     string `json:"userId"`
	IsVideoOff bool   `json:"isVideoOff"`
}

// Outbound payloads.

type helloPayload struct {
	ConnID string `json:"connId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type joinedPayload struct {
	MeetingID string               `json:"meetingId"`
	Code      string               `json:"code"`
	HostID    string               `json:"hostId"`
	Roster    []models.RosterEntry `json:"participants"`
}

type forwardedSignal struct {
	From      string          `json:"from"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// decoded is a validated inbound message.
type decoded struct {
	kind    string
	payload any
}

// decode parses raw and validates the payload for its kind.
func decode(raw []byte) (decoded, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return decoded{}, fmt.Errorf("%w: %v", errInvalidEnvelope, err)
	}
	kind := strings.TrimSpace(env.Kind)
	switch kind {
	case KindJoinMeeting:
		var p joinPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		p.MeetingID = strings.TrimSpace(p.MeetingID)
		p.User.UserID = strings.TrimSpace(p.User.UserID)
		if p.MeetingID == "" || p.User.UserID == "" {
			return decoded{}, fmt.Errorf("%w: meetingId and user.userId are required", errInvalidEnvelope)
		}
		return decoded{kind: kind, payload: p}, nil
	case KindLeaveMeeting:
		return decoded{kind: kind}, nil
	case KindClientReady:
		var p readyPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		return decoded{kind: kind, payload: p}, nil
	case KindOffer, KindAnswer, KindICECandidate:
		var p signalPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		p.To = strings.TrimSpace(p.To)
		if p.To == "" || len(p.body(kind)) == 0 {
			return decoded{}, fmt.Errorf("%w: %s requires a target and a body", errInvalidEnvelope, kind)
		}
		return decoded{kind: kind, payload: p}, nil
	case KindChatMessage:
		var p chatPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		if strings.TrimSpace(p.Message.Message) == "" {
			return decoded{}, fmt.Errorf("%w: message cannot be empty", errInvalidEnvelope)
		}
		if len([]rune(p.Message.Message)) > maxChatMessageRune {
			return decoded{}, fmt.Errorf("%w: message exceeds %d characters", errInvalidEnvelope, maxChatMessageRune)
		}
		return decoded{kind: kind, payload: p}, nil
	case KindHandRaised:
		var p handRaisedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		return decoded{kind: kind, payload: p}, nil
	case KindMuted:
		var p mutedPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		return decoded{kind: kind, payload: p}, nil
	case KindVideoToggled:
		var p videoToggledPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return decoded{}, err
		}
		return decoded{kind: kind, payload: p}, nil
	case "":
		return decoded{}, fmt.Errorf("%w: kind is required", errInvalidEnvelope)
	default:
		return decoded{}, fmt.Errorf("%w: unknown kind %q", errInvalidEnvelope, kind)
	}
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: payload is required", errInvalidEnvelope)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidEnvelope, err)
	}
	return nil
}
