package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"siderec/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// RunRepositoryMeetingLifecycle creates a meeting, resolves it by both id and
// code, and checks the not-found paths.
func RunRepositoryMeetingLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	if _, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "host-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing title, got %v", err)
	}

	meeting, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "host-1", Title: "  Weekly sync ", Description: "notes"})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if meeting.ID == "" || meeting.Code == "" {
		t.Fatalf("expected id and code, got %+v", meeting)
	}
	if meeting.Title != "Weekly sync" {
		t.Fatalf("expected trimmed title, got %q", meeting.Title)
	}
	if meeting.HasDuration() {
		t.Fatal("new meeting should not carry a duration")
	}

	byID, err := repo.ResolveMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("ResolveMeeting by id: %v", err)
	}
	byCode, err := repo.ResolveMeeting(ctx, meeting.Code)
	if err != nil {
		t.Fatalf("ResolveMeeting by code: %v", err)
	}
	if byID.ID != meeting.ID || byCode.ID != meeting.ID {
		t.Fatalf("expected both lookups to return %s, got %s and %s", meeting.ID, byID.ID, byCode.ID)
	}

	if _, err := repo.GetMeeting(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetMeetingByCode(ctx, "zzz-zzzz-zzz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for code, got %v", err)
	}
}

// RunRepositoryParticipantLifecycle walks a participant through add, join,
// leave and rejoin.
func RunRepositoryParticipantLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	meeting, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "host-1", Title: "Standup"})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	if _, err := repo.AddParticipant(ctx, "missing", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound adding to unknown meeting, got %v", err)
	}

	added, err := repo.AddParticipant(ctx, meeting.ID, "user-1")
	if err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if added.HasJoined {
		t.Fatal("added participant should not be joined")
	}

	joinedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	joined, err := repo.UpsertParticipantJoined(ctx, meeting.ID, models.UserInfo{UserID: "user-1", Name: "Ada", Email: "ada@example.com"}, joinedAt)
	if err != nil {
		t.Fatalf("UpsertParticipantJoined: %v", err)
	}
	if !joined.HasJoined || joined.JoinedAt == nil || !joined.JoinedAt.Equal(joinedAt) {
		t.Fatalf("unexpected joined participant %+v", joined)
	}
	if joined.Name != "Ada" {
		t.Fatalf("expected name Ada, got %q", joined.Name)
	}

	if _, err := repo.UpsertParticipantJoined(ctx, meeting.ID, models.UserInfo{UserID: "user-2", Name: "Grace"}, joinedAt); err != nil {
		t.Fatalf("UpsertParticipantJoined second: %v", err)
	}

	leftAt := joinedAt.Add(5 * time.Minute)
	left, err := repo.MarkParticipantLeft(ctx, meeting.ID, "user-1", leftAt)
	if err != nil {
		t.Fatalf("MarkParticipantLeft: %v", err)
	}
	if left.HasJoined || left.LeftAt == nil {
		t.Fatalf("expected participant to be marked left, got %+v", left)
	}
	if tenure, ok := left.Tenure(); !ok || tenure != 5*time.Minute {
		t.Fatalf("expected 5m tenure, got %v (%v)", tenure, ok)
	}

	active, err := repo.ListParticipants(ctx, meeting.ID, true)
	if err != nil {
		t.Fatalf("ListParticipants joined: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "user-2" {
		t.Fatalf("expected only user-2 active, got %+v", active)
	}
	all, err := repo.ListParticipants(ctx, meeting.ID, false)
	if err != nil {
		t.Fatalf("ListParticipants all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 participant rows, got %d", len(all))
	}

	// Rejoining keeps the stored name when the new payload omits it.
	rejoined, err := repo.UpsertParticipantJoined(ctx, meeting.ID, models.UserInfo{UserID: "user-1"}, leftAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rejoined.Name != "Ada" || rejoined.LeftAt != nil || !rejoined.HasJoined {
		t.Fatalf("unexpected rejoined participant %+v", rejoined)
	}

	if _, err := repo.MarkParticipantLeft(ctx, meeting.ID, "ghost", leftAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown participant, got %v", err)
	}
}

// RunRepositoryDurationWrittenOnce verifies that only the first duration
// write for a meeting is stored.
func RunRepositoryDurationWrittenOnce(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	meeting, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "host-1", Title: "Review"})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	ended := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	written, err := repo.SetMeetingDuration(ctx, meeting.ID, 90_000, ended)
	if err != nil {
		t.Fatalf("SetMeetingDuration: %v", err)
	}
	if !written {
		t.Fatal("expected first duration write to succeed")
	}
	written, err = repo.SetMeetingDuration(ctx, meeting.ID, 120_000, ended.Add(time.Minute))
	if err != nil {
		t.Fatalf("SetMeetingDuration second: %v", err)
	}
	if written {
		t.Fatal("expected second duration write to be ignored")
	}

	stored, err := repo.GetMeeting(ctx, meeting.ID)
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if stored.DurationMs == nil || *stored.DurationMs != 90_000 {
		t.Fatalf("expected duration 90000, got %v", stored.DurationMs)
	}
	if stored.EndedAt == nil || !stored.EndedAt.Equal(ended) {
		t.Fatalf("expected endedAt %v, got %v", ended, stored.EndedAt)
	}

	if _, err := repo.SetMeetingDuration(ctx, "missing", 1, ended); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown meeting, got %v", err)
	}
}

// RunRepositoryMeetingHistory checks that a user's history includes meetings
// they host and meetings they joined, newest first.
func RunRepositoryMeetingHistory(t *testing.T, factory RepositoryFactory) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	repo := runRepository(t, factory, WithClock(clock))
	ctx := context.Background()

	hosted, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "user-1", Title: "Hosted"})
	if err != nil {
		t.Fatalf("CreateMeeting hosted: %v", err)
	}
	attended, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "user-2", Title: "Attended"})
	if err != nil {
		t.Fatalf("CreateMeeting attended: %v", err)
	}
	if _, err := repo.CreateMeeting(ctx, CreateMeetingParams{HostID: "user-3", Title: "Unrelated"}); err != nil {
		t.Fatalf("CreateMeeting unrelated: %v", err)
	}
	if _, err := repo.AddParticipant(ctx, attended.ID, "user-1"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	history, err := repo.ListMeetingsForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListMeetingsForUser: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 meetings, got %d", len(history))
	}
	if history[0].ID != attended.ID || history[1].ID != hosted.ID {
		t.Fatalf("expected newest first, got %s then %s", history[0].ID, history[1].ID)
	}
	if len(history[0].Participants) != 1 || history[0].Participants[0].UserID != "user-1" {
		t.Fatalf("expected attended meeting to list user-1, got %+v", history[0].Participants)
	}

	if _, err := repo.ListMeetingsForUser(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank user, got %v", err)
	}
}
