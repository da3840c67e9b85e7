package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/session"
	"siderec/internal/storage"
)

var (
	// ErrMeetingNotFound is returned when a join references an unknown meeting.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrInvalidJoin is returned when a join is missing its meeting, user or
	// connection identifiers.
	ErrInvalidJoin = errors.New("meeting, user and connection ids are required")
)

// Config tunes the coordinator.
type Config struct {
	// StoreTimeout bounds persistence after a disconnect. Defaults to 5s.
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Coordinator keeps live sessions, participant rows and room rosters in
// step as connections join and leave meetings.
type Coordinator struct {
	repo         storage.Repository
	sessions     session.Registry
	bus          Bus
	notifier     Notifier
	storeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewCoordinator wires a coordinator. A nil bus disables departure events and
// a nil notifier discards room broadcasts.
func NewCoordinator(repo storage.Repository, sessions session.Registry, bus Bus, notifier Notifier, cfg Config) *Coordinator {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		repo:         repo,
		sessions:     sessions,
		bus:          bus,
		notifier:     notifier,
		storeTimeout: timeout,
		logger:       logging.WithComponent(logger, "presence"),
		now:          now,
	}
}

// JoinResult describes the outcome of a join.
type JoinResult struct {
	Meeting     models.Meeting
	Participant models.Participant
	Roster      []models.RosterEntry
	// EvictedConnID is the previous connection of the same user, which the
	// caller should close.
	EvictedConnID string
}

// OnJoin registers connID as info.UserID's live session in the meeting
// identified by meetingRef (id or code) and broadcasts the new roster.
func (c *Coordinator) OnJoin(ctx context.Context, meetingRef, connID string, info models.UserInfo) (JoinResult, error) {
	meetingRef = strings.TrimSpace(meetingRef)
	connID = strings.TrimSpace(connID)
	info.UserID = strings.TrimSpace(info.UserID)
	if meetingRef == "" || connID == "" || info.UserID == "" {
		return JoinResult{}, ErrInvalidJoin
	}

	meeting, err := c.repo.ResolveMeeting(ctx, meetingRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return JoinResult{}, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingRef)
		}
		return JoinResult{}, fmt.Errorf("resolve meeting: %w", err)
	}

	// A connection that switches meeting or identity leaves its old room first.
	if existing, ok, err := c.sessions.Lookup(ctx, connID); err != nil {
		return JoinResult{}, fmt.Errorf("lookup session: %w", err)
	} else if ok && (existing.MeetingID != meeting.ID || existing.UserID != info.UserID) {
		if _, err := c.OnDisconnect(ctx, connID); err != nil {
			return JoinResult{}, err
		}
	}

	evicted, err := c.sessions.Register(ctx, session.Session{
		ConnID:    connID,
		UserID:    info.UserID,
		MeetingID: meeting.ID,
		Info:      info,
	})
	if err != nil {
		return JoinResult{}, fmt.Errorf("register session: %w", err)
	}

	participant, err := c.repo.UpsertParticipantJoined(ctx, meeting.ID, info, c.now().UTC())
	if err != nil {
		if _, _, rmErr := c.sessions.Remove(context.WithoutCancel(ctx), connID); rmErr != nil {
			c.logger.Warn("session rollback failed", "conn_id", connID, "error", rmErr)
		}
		return JoinResult{}, fmt.Errorf("record join: %w", err)
	}

	roster, err := c.roster(ctx, meeting)
	if err != nil {
		return JoinResult{}, err
	}
	c.notifier.Broadcast(meeting.ID, KindParticipantsUpdated, RosterPayload{Participants: roster})

	c.logger.Info("participant joined",
		"meeting_id", meeting.ID,
		"user_id", info.UserID,
		"conn_id", connID,
		"evicted_conn_id", evicted,
		"roster_size", len(roster),
	)
	return JoinResult{
		Meeting:       meeting,
		Participant:   participant,
		Roster:        roster,
		EvictedConnID: evicted,
	}, nil
}

// OnDisconnect removes the session for connID, marks the participant as left
// and publishes a departure event. It reports whether a session was removed;
// unknown connections are a no-op.
func (c *Coordinator) OnDisconnect(ctx context.Context, connID string) (bool, error) {
	sess, ok, err := c.sessions.Remove(ctx, connID)
	if err != nil {
		return false, fmt.Errorf("remove session: %w", err)
	}
	if !ok {
		return false, nil
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()
	logger := c.logger.With("meeting_id", sess.MeetingID, "user_id", sess.UserID, "conn_id", connID)

	leftAt := c.now().UTC()
	var joinedAt *time.Time
	if other, live, err := c.sessions.FindByUser(storeCtx, sess.MeetingID, sess.UserID); err == nil && live && other != connID {
		// The user already has a newer connection in the room.
		logger.Debug("participant still connected elsewhere", "live_conn_id", other)
	} else {
		participant, err := c.repo.MarkParticipantLeft(storeCtx, sess.MeetingID, sess.UserID, leftAt)
		if err != nil {
			logger.Warn("mark participant left failed", "error", err)
		} else if !c.restoreRejoined(storeCtx, sess, logger) {
			// No reconnect raced the mark, so the tenure is closed.
			joinedAt = participant.JoinedAt
			if participant.LeftAt != nil {
				leftAt = *participant.LeftAt
			}
		}
	}

	meeting, err := c.repo.GetMeeting(storeCtx, sess.MeetingID)
	if err != nil {
		logger.Warn("load meeting after disconnect failed", "error", err)
		return true, nil
	}
	if roster, err := c.roster(storeCtx, meeting); err != nil {
		logger.Warn("roster refresh failed", "error", err)
	} else {
		c.notifier.Broadcast(meeting.ID, KindParticipantsUpdated, RosterPayload{Participants: roster})
	}

	if c.bus != nil {
		event := Event{
			Type:       EventParticipantLeft,
			MeetingID:  meeting.ID,
			UserID:     sess.UserID,
			ConnID:     connID,
			IsHost:     meeting.HostID == sess.UserID,
			JoinedAt:   joinedAt,
			LeftAt:     &leftAt,
			OccurredAt: c.now().UTC(),
		}
		if err := c.bus.Publish(storeCtx, event); err != nil {
			logger.Error("publish departure failed", "is_host", event.IsHost, "error", err)
		}
	}
	logger.Info("participant left")
	return true, nil
}

// restoreRejoined re-marks the participant as joined when another session
// for the same user registered after the departing one. It reports whether
// the row was restored.
func (c *Coordinator) restoreRejoined(ctx context.Context, departed session.Session, logger *slog.Logger) bool {
	other, live, err := c.sessions.FindByUser(ctx, departed.MeetingID, departed.UserID)
	if err != nil || !live || other == departed.ConnID {
		return false
	}
	current, ok, err := c.sessions.Lookup(ctx, other)
	if err != nil || !ok {
		return false
	}
	info := current.Info
	info.UserID = current.UserID
	if _, err := c.repo.UpsertParticipantJoined(ctx, current.MeetingID, info, current.RegisteredAt); err != nil {
		logger.Warn("restore rejoined participant failed", "live_conn_id", other, "error", err)
		return false
	}
	logger.Debug("participant rejoined during disconnect", "live_conn_id", other)
	return true
}

// Roster lists the live participants of a meeting.
func (c *Coordinator) Roster(ctx context.Context, meetingID string) ([]models.RosterEntry, error) {
	meeting, err := c.repo.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
		}
		return nil, err
	}
	return c.roster(ctx, meeting)
}

// roster intersects persisted joined participants with live sessions.
func (c *Coordinator) roster(ctx context.Context, meeting models.Meeting) ([]models.RosterEntry, error) {
	live, err := c.sessions.ListMeeting(ctx, meeting.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	joined, err := c.repo.ListParticipants(ctx, meeting.ID, true)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	rows := make(map[string]models.Participant, len(joined))
	for _, p := range joined {
		rows[p.UserID] = p
	}
	entries := make([]models.RosterEntry, 0, len(live))
	for _, s := range live {
		row, ok := rows[s.UserID]
		if !ok {
			continue
		}
		entries = append(entries, models.RosterEntry{
			UserID:     s.UserID,
			ConnID:     s.ConnID,
			Name:       firstNonEmpty(s.Info.Name, row.Name),
			Email:      firstNonEmpty(s.Info.Email, row.Email),
			ProfilePic: firstNonEmpty(s.Info.ProfilePic, row.ProfilePic),
			IsHost:     s.UserID == meeting.HostID,
		})
	}
	return entries, nil
}

// HostConnection returns the live connection of the meeting host.
func (c *Coordinator) HostConnection(ctx context.Context, meetingID string) (string, bool, error) {
	meeting, err := c.repo.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return c.sessions.FindByUser(ctx, meeting.ID, meeting.HostID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
