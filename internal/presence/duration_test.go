package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
)

func TestHostDepartureRecordsDurationOnce(t *testing.T) {
	h := newHarness(t)
	var ended []models.Meeting
	recorder := NewDurationRecorder(h.repo, h.notifier, DurationConfig{
		Logger: logging.Discard(),
		OnEnded: func(_ context.Context, m models.Meeting) {
			ended = append(ended, m)
		},
	})
	ctx := context.Background()

	h.join(t, "c-host", "host")
	h.clock.Advance(10 * time.Second)
	h.join(t, "c-guest", "guest")
	h.clock.Advance(60 * time.Second)

	if _, err := h.coordinator.OnDisconnect(ctx, "c-host"); err != nil {
		t.Fatalf("host disconnect: %v", err)
	}
	written, err := recorder.Handle(ctx, h.nextEvent(t))
	if err != nil || !written {
		t.Fatalf("expected duration written, got %v %v", written, err)
	}
	meeting, err := h.repo.GetMeeting(ctx, h.meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if meeting.DurationMs == nil || *meeting.DurationMs != 70000 {
		t.Fatalf("expected duration 70000, got %v", meeting.DurationMs)
	}

	h.clock.Advance(30 * time.Second)
	if _, err := h.coordinator.OnDisconnect(ctx, "c-guest"); err != nil {
		t.Fatalf("guest disconnect: %v", err)
	}
	if written, err := recorder.Handle(ctx, h.nextEvent(t)); err != nil || written {
		t.Fatalf("guest departure must not write duration, got %v %v", written, err)
	}
	meeting, _ = h.repo.GetMeeting(ctx, h.meeting.ID)
	if *meeting.DurationMs != 70000 {
		t.Fatalf("duration changed to %d", *meeting.DurationMs)
	}

	endings := h.notifier.ofKind(KindMeetingEnded)
	if len(endings) != 1 {
		t.Fatalf("expected one meeting-ended broadcast, got %d", len(endings))
	}
	if p := endings[0].payload.(MeetingEndedPayload); p.DurationMs != 70000 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if len(ended) != 1 || ended[0].ID != h.meeting.ID {
		t.Fatalf("expected OnEnded once, got %+v", ended)
	}
}

func TestHostRejoinDoesNotOverwriteDuration(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, h.notifier, DurationConfig{Logger: logging.Discard()})
	ctx := context.Background()

	h.join(t, "c1", "host")
	h.clock.Advance(20 * time.Second)
	h.coordinator.OnDisconnect(ctx, "c1")
	if written, _ := recorder.Handle(ctx, h.nextEvent(t)); !written {
		t.Fatal("expected first departure to record")
	}

	h.join(t, "c2", "host")
	h.clock.Advance(time.Minute)
	h.coordinator.OnDisconnect(ctx, "c2")
	if written, _ := recorder.Handle(ctx, h.nextEvent(t)); written {
		t.Fatal("second host departure must not record again")
	}
	meeting, _ := h.repo.GetMeeting(ctx, h.meeting.ID)
	if *meeting.DurationMs != 20000 {
		t.Fatalf("expected 20000, got %d", *meeting.DurationMs)
	}
}

func TestHostAloneStillGetsDuration(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, nil, DurationConfig{Logger: logging.Discard()})
	ctx := context.Background()

	h.join(t, "c1", "host")
	h.clock.Advance(3 * time.Second)
	h.coordinator.OnDisconnect(ctx, "c1")
	if written, err := recorder.Handle(ctx, h.nextEvent(t)); err != nil || !written {
		t.Fatalf("expected duration for lone host, got %v %v", written, err)
	}
}

func TestHandleFallsBackToParticipantRow(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, nil, DurationConfig{Logger: logging.Discard()})
	ctx := context.Background()

	h.join(t, "c1", "host")
	h.clock.Advance(4 * time.Second)
	if _, err := h.repo.MarkParticipantLeft(ctx, h.meeting.ID, "host", h.clock.Now()); err != nil {
		t.Fatalf("MarkParticipantLeft: %v", err)
	}
	written, err := recorder.Handle(ctx, Event{Type: EventParticipantLeft, MeetingID: h.meeting.ID, UserID: "host"})
	if err != nil || !written {
		t.Fatalf("expected fallback to row tenure, got %v %v", written, err)
	}
	meeting, _ := h.repo.GetMeeting(ctx, h.meeting.ID)
	if *meeting.DurationMs != 4000 {
		t.Fatalf("expected 4000, got %d", *meeting.DurationMs)
	}
}

func TestHandleIgnoresUnknownMeeting(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, nil, DurationConfig{Logger: logging.Discard()})
	written, err := recorder.Handle(context.Background(), Event{Type: EventParticipantLeft, MeetingID: "missing", UserID: "host"})
	if err != nil || written {
		t.Fatalf("expected no-op, got %v %v", written, err)
	}
}

func TestRunConsumesSubscription(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, h.notifier, DurationConfig{Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		recorder.Run(ctx, h.sub)
		close(done)
	}()

	h.join(t, "c1", "host")
	h.clock.Advance(time.Second)
	h.coordinator.OnDisconnect(context.Background(), "c1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.notifier.ofKind(KindMeetingEnded)) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("meeting-ended was never broadcast")
}

func TestHostDurationSurvivesBackedUpBus(t *testing.T) {
	h := newHarness(t)
	recorder := NewDurationRecorder(h.repo, h.notifier, DurationConfig{Logger: logging.Discard()})
	ctx := context.Background()

	h.join(t, "c-host", "host")
	h.join(t, "c-guest", "guest")
	h.clock.Advance(70 * time.Second)

	// Departures nobody has consumed yet fill the subscriber buffer.
	for i := 0; i < 8; i++ {
		filler := Event{Type: EventParticipantLeft, MeetingID: h.meeting.ID, UserID: fmt.Sprintf("gone-%d", i)}
		if err := h.bus.Publish(ctx, filler); err != nil {
			t.Fatalf("Publish filler %d: %v", i, err)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		recorder.Run(runCtx, h.sub)
	}()

	if _, err := h.coordinator.OnDisconnect(ctx, "c-host"); err != nil {
		t.Fatalf("host disconnect: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		meeting, err := h.repo.GetMeeting(ctx, h.meeting.ID)
		if err != nil {
			t.Fatalf("GetMeeting: %v", err)
		}
		if meeting.DurationMs != nil {
			if *meeting.DurationMs != 70000 {
				t.Fatalf("expected duration 70000, got %d", *meeting.DurationMs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host departure was lost while the bus was full")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(h.notifier.ofKind(KindMeetingEnded)); got != 1 {
		t.Fatalf("expected one meeting-ended broadcast, got %d", got)
	}
}
