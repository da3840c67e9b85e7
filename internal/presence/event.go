package presence

import (
	"time"

	"siderec/internal/models"
)

// EventType enumerates the presence events carried on the bus.
type EventType string

const (
	// EventParticipantLeft is published after a session is removed and the
	// participant row has been marked as left.
	EventParticipantLeft EventType = "participant.left"
)

// Event is the wire representation forwarded to bus subscribers.
type Event struct {
	Type      EventType  `json:"type"`
	MeetingID string     `json:"meetingId"`
	UserID    string     `json:"userId"`
	ConnID    string     `json:"connId,omitempty"`
	IsHost    bool       `json:"isHost"`
	JoinedAt  *time.Time `json:"joinedAt,omitempty"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
	// OccurredAt is stamped by the coordinator when the event is built.
	OccurredAt time.Time `json:"occurredAt"`
}

// Room broadcast kinds emitted by this package.
const (
	KindParticipantsUpdated = "participants-updated"
	KindMeetingEnded        = "meeting-ended"
)

// RosterPayload is the body of a participants-updated broadcast.
type RosterPayload struct {
	Participants []models.RosterEntry `json:"participants"`
}

// MeetingEndedPayload is the body of a meeting-ended broadcast.
type MeetingEndedPayload struct {
	MeetingID  string `json:"meetingId"`
	DurationMs int64  `json:"durationMs"`
}

// Notifier delivers a message to every live connection of a meeting room.
type Notifier interface {
	Broadcast(meetingID, kind string, payload any)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(meetingID, kind string, payload any)

func (f NotifierFunc) Broadcast(meetingID, kind string, payload any) {
	f(meetingID, kind, payload)
}

type discardNotifier struct{}

func (discardNotifier) Broadcast(string, string, any) {}
