package storage

import (
	"context"
	"errors"
	"time"

	"siderec/internal/models"
)

var (
	// ErrNotFound is returned when a meeting or participant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned when required fields are missing.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository persists meetings and their participant rows.
type Repository interface {
	Ping(ctx context.Context) error

	CreateMeeting(ctx context.Context, params CreateMeetingParams) (models.Meeting, error)
	GetMeeting(ctx context.Context, id string) (models.Meeting, error)
	GetMeetingByCode(ctx context.Context, code string) (models.Meeting, error)
	// ResolveMeeting accepts either the internal id or the public code.
	ResolveMeeting(ctx context.Context, ref string) (models.Meeting, error)
	ListMeetingsForUser(ctx context.Context, userID string) ([]models.MeetingDetails, error)
	// SetMeetingDuration records the host-tenure duration only when no duration
	// has been stored yet. It reports whether the write happened.
	SetMeetingDuration(ctx context.Context, meetingID string, durationMs int64, endedAt time.Time) (bool, error)

	AddParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error)
	UpsertParticipantJoined(ctx context.Context, meetingID string, info models.UserInfo, at time.Time) (models.Participant, error)
	MarkParticipantLeft(ctx context.Context, meetingID, userID string, at time.Time) (models.Participant, error)
	GetParticipant(ctx context.Context, meetingID, userID string) (models.Participant, error)
	ListParticipants(ctx context.Context, meetingID string, joinedOnly bool) ([]models.Participant, error)
}

// CreateMeetingParams describes a new meeting.
type CreateMeetingParams struct {
	HostID      string
	Title       string
	Description string
}
