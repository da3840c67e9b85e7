package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
	"siderec/internal/storage"
)

// EndedFunc is invoked once after a meeting's duration has been stored.
type EndedFunc func(ctx context.Context, meeting models.Meeting)

// DurationConfig configures a DurationRecorder.
type DurationConfig struct {
	Logger  *slog.Logger
	OnEnded EndedFunc
}

// DurationRecorder consumes departure events and records the host tenure as
// the meeting duration.
type DurationRecorder struct {
	repo     storage.Repository
	notifier Notifier
	onEnded  EndedFunc
	logger   *slog.Logger
}

func NewDurationRecorder(repo storage.Repository, notifier Notifier, cfg DurationConfig) *DurationRecorder {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DurationRecorder{
		repo:     repo,
		notifier: notifier,
		onEnded:  cfg.OnEnded,
		logger:   logging.WithComponent(logger, "duration"),
	}
}

// Handle processes one event and reports whether a duration was written.
// Only the host's departure counts, and only the first one.
func (r *DurationRecorder) Handle(ctx context.Context, event Event) (bool, error) {
	if event.Type != EventParticipantLeft {
		return false, nil
	}
	meeting, err := r.repo.GetMeeting(ctx, event.MeetingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load meeting: %w", err)
	}
	if meeting.HostID != event.UserID || meeting.HasDuration() {
		return false, nil
	}

	joinedAt, leftAt := event.JoinedAt, event.LeftAt
	if joinedAt == nil || leftAt == nil {
		row, err := r.repo.GetParticipant(ctx, meeting.ID, event.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("load host participant: %w", err)
		}
		joinedAt, leftAt = row.JoinedAt, row.LeftAt
	}
	if joinedAt == nil || leftAt == nil {
		r.logger.Debug("host tenure incomplete", "meeting_id", meeting.ID)
		return false, nil
	}

	durationMs := leftAt.Sub(*joinedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	written, err := r.repo.SetMeetingDuration(ctx, meeting.ID, durationMs, *leftAt)
	if err != nil {
		return false, fmt.Errorf("store duration: %w", err)
	}
	if !written {
		return false, nil
	}

	meeting.DurationMs = &durationMs
	ended := leftAt.UTC()
	meeting.EndedAt = &ended
	metrics.MeetingEnded()
	r.notifier.Broadcast(meeting.ID, KindMeetingEnded, MeetingEndedPayload{MeetingID: meeting.ID, DurationMs: durationMs})
	r.logger.Info("meeting ended", "meeting_id", meeting.ID, "duration_ms", durationMs)
	if r.onEnded != nil {
		r.onEnded(ctx, meeting)
	}
	return true, nil
}

// Run consumes sub until ctx is cancelled or the subscription closes.
func (r *DurationRecorder) Run(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := r.Handle(ctx, event); err != nil {
				r.logger.Error("duration handling failed", "meeting_id", event.MeetingID, "user_id", event.UserID, "error", err)
			}
		}
	}
}
