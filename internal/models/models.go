package models

import "time"

// Meeting is a scheduled or running call owned by a host.
type Meeting struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	HostID      string     `json:"hostId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DurationMs  *int64     `json:"durationMs,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// HasDuration reports whether the host-tenure duration has been recorded.
func (m Meeting) HasDuration() bool {
	return m.DurationMs != nil
}

// Participant tracks a user's attendance in a meeting. Rows are upserted on
// every join and never deleted.
type Participant struct {
	MeetingID  string     `json:"meetingId"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name,omitempty"`
	Email      string     `json:"email,omitempty"`
	ProfilePic string     `json:"profilePic,omitempty"`
	HasJoined  bool       `json:"hasJoined"`
	JoinedAt   *time.Time `json:"joinedAt,omitempty"`
	LeftAt     *time.Time `json:"leftAt,omitempty"`
}

// Tenure returns the time between joinedAt and leftAt when both are present.
func (p Participant) Tenure() (time.Duration, bool) {
	if p.JoinedAt == nil || p.LeftAt == nil {
		return 0, false
	}
	return p.LeftAt.Sub(*p.JoinedAt), true
}

// UserInfo is the display information a client announces when joining.
type UserInfo struct {
	UserID     string `json:"userId"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// MeetingDetails bundles a meeting with its participant rows.
type MeetingDetails struct {
	Meeting
	Participants []Participant `json:"participants"`
}

// RosterEntry is one live participant as broadcast to a meeting room.
type RosterEntry struct {
	UserID     string `json:"userId"`
	ConnID     string `json:"connId"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profilePic,omitempty"`
	IsHost     bool   `json:"isHost"`
}

// Chunk is one uploaded capture segment.
type Chunk struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Index     int    `json:"index"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// ArtifactKind distinguishes per-user merges from the combined output.
type ArtifactKind string

const (
	ArtifactUser  ArtifactKind = "user"
	ArtifactFinal ArtifactKind = "final"
)

// MergedArtifact describes a merge output on disk.
type MergedArtifact struct {
	Kind       ArtifactKind `json:"kind"`
	MeetingID  string       `json:"meetingId"`
	UserID     string       `json:"userId,omitempty"`
	Path       string       `json:"path"`
	SizeBytes  int64        `json:"sizeBytes"`
	Digest     string       `json:"digest"`
	ChunkCount int          `json:"chunkCount,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}
