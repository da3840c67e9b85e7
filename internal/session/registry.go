// Package session tracks live realtime connections and the meeting each one
// has joined.
package session

import (
	"context"
	"sort"
	"time"

	"siderec/internal/models"
)

// Session is the ephemeral record of one joined connection.
type Session struct {
	ConnID            string          `json:"connId"`
	UserID            string          `json:"userId"`
	MeetingID         string          `json:"meetingId"`
	Info              models.UserInfo `json:"info"`
	ReadinessSignaled bool            `json:"readinessSignaled"`
	RegisteredAt      time.Time       `json:"registeredAt"`
	LastSeen          time.Time       `json:"lastSeen"`
}

// Registry maps connection ids to sessions and enforces a single live
// session per (meeting, user).
type Registry interface {
	// Register stores s. When another connection already holds the same
	// (meeting, user) slot it is removed and its id returned so the caller can
	// close it.
	Register(ctx context.Context, s Session) (evicted string, err error)
	Lookup(ctx context.Context, connID string) (Session, bool, error)
	FindByUser(ctx context.Context, meetingID, userID string) (string, bool, error)
	// Remove deletes the session. Only one concurrent caller observes true.
	Remove(ctx context.Context, connID string) (Session, bool, error)
	// MarkReady flips the readiness latch, returning true exactly once per
	// registered session.
	MarkReady(ctx context.Context, connID string) (bool, error)
	ListMeeting(ctx context.Context, meetingID string) ([]Session, error)
	Touch(ctx context.Context, connID string) error
	// Expired lists sessions last seen before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]Session, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].RegisteredAt.Equal(sessions[j].RegisteredAt) {
			return sessions[i].ConnID < sessions[j].ConnID
		}
		return sessions[i].RegisteredAt.Before(sessions[j].RegisteredAt)
	})
}
