package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/presence"
	"siderec/internal/session"
	"siderec/internal/storage"
)

type testEnv struct {
	server   *httptest.Server
	url      string
	repo     storage.Repository
	sessions session.Registry
	gateway  *Gateway
	meeting  models.Meeting
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	meeting, err := repo.CreateMeeting(context.Background(), storage.CreateMeetingParams{HostID: "host", Title: "Sync"})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	logger := logging.Discard()
	sessions := session.NewMemoryRegistry(nil)
	bus := presence.NewMemoryBus(16)
	hub := NewHub(logger)
	coordinator := presence.NewCoordinator(repo, sessions, bus, hub, presence.Config{Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	recorder := presence.NewDurationRecorder(repo, hub, presence.DurationConfig{Logger: logger})
	go recorder.Run(ctx, bus.Subscribe())

	gateway := NewGateway(GatewayConfig{
		Hub:         hub,
		Coordinator: coordinator,
		Sessions:    sessions,
		Logger:      logger,
	})
	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = gateway.Shutdown(shutdownCtx)
		server.Close()
		cancel()
		_ = bus.Close()
	})
	return &testEnv{
		server:   server,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
		repo:     repo,
		sessions: sessions,
		gateway:  gateway,
		meeting:  meeting,
	}
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	connID string
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn}
	var hello helloPayload
	c.expect(KindHello, &hello)
	if hello.ConnID == "" {
		t.Fatal("hello frame carried no connection id")
	}
	c.connID = hello.ConnID
	return c
}

func (e *testEnv) join(t *testing.T, userID string) *testClient {
	t.Helper()
	c := e.dial(t)
	c.send(KindJoinMeeting, map[string]any{
		"meetingId": e.meeting.ID,
		"user":      map[string]string{"userId": userID, "name": userID},
	})
	c.expect(KindJoined, nil)
	return c
}

func (c *testClient) send(kind string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if err := c.conn.WriteJSON(Envelope{Kind: kind, Payload: raw}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads frames until one of the given kind arrives.
func (c *testClient) expect(kind string, dst any) {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", kind, err)
		}
		if env.Kind != kind {
			continue
		}
		if dst != nil {
			if err := json.Unmarshal(env.Payload, dst); err != nil {
				c.t.Fatalf("decode %s: %v", kind, err)
			}
		}
		return
	}
}

// expectNone fails if a frame of kind arrives within wait.
func (c *testClient) expectNone(kind string, wait time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Kind == kind {
			c.t.Fatalf("unexpected %s frame: %s", kind, env.Payload)
		}
	}
}

func TestJoinBroadcastsRoster(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	var roster presence.RosterPayload
	host.expect(presence.KindParticipantsUpdated, &roster)
	for len(roster.Participants) < 2 {
		host.expect(presence.KindParticipantsUpdated, &roster)
	}
	if roster.Participants[0].UserID != "host" || !roster.Participants[0].IsHost {
		t.Fatalf("unexpected roster %+v", roster.Participants)
	}
	if roster.Participants[1].ConnID != guest.connID {
		t.Fatalf("expected guest connection %s, got %+v", guest.connID, roster.Participants[1])
	}
}

func TestJoinUnknownMeetingReturnsError(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.send(KindJoinMeeting, map[string]any{"meetingId": "missing", "user": map[string]string{"userId": "u"}})
	var e errorPayload
	c.expect(KindError, &e)
	if e.Message != "meeting not found" {
		t.Fatalf("unexpected error %q", e.Message)
	}
}

func TestInvalidEnvelopeRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"teleport"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e errorPayload
	c.expect(KindError, &e)
	if !strings.Contains(e.Message, "unknown kind") {
		t.Fatalf("unexpected error %q", e.Message)
	}
	c.send(KindOffer, map[string]any{"offer": map[string]string{"sdp": "x"}})
	c.expect(KindError, &e)
	if !strings.Contains(e.Message, "target") {
		t.Fatalf("unexpected error %q", e.Message)
	}
}

func TestSignalRelayTagsSender(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	host.send(KindOffer, map[string]any{"to": guest.connID, "offer": map[string]string{"type": "offer", "sdp": "v=0"}})
	var offer forwardedSignal
	guest.expect(KindOffer, &offer)
	if offer.From != host.connID || !strings.Contains(string(offer.Offer), "v=0") {
		t.Fatalf("unexpected forwarded offer %+v", offer)
	}

	guest.send(KindAnswer, map[string]any{"to": host.connID, "answer": map[string]string{"type": "answer"}})
	var answer forwardedSignal
	host.expect(KindAnswer, &answer)
	if answer.From != guest.connID {
		t.Fatalf("unexpected answer sender %q", answer.From)
	}

	guest.send(KindICECandidate, map[string]any{"to": host.connID, "candidate": map[string]string{"candidate": "c1"}})
	var ice forwardedSignal
	host.expect(KindICECandidate, &ice)
	if ice.From != guest.connID || len(ice.Candidate) == 0 {
		t.Fatalf("unexpected candidate %+v", ice)
	}
}

func TestOfferFromGuestRejected(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	guest.send(KindOffer, map[string]any{"to": host.connID, "offer": map[string]string{"sdp": "x"}})
	var e errorPayload
	guest.expect(KindError, &e)
	if e.Message != ErrNotHost.Error() {
		t.Fatalf("unexpected error %q", e.Message)
	}
}

func TestICECandidateToUnknownTargetIsSilent(t *testing.T) {
	env := newTestEnv(t)
	guest := env.join(t, "guest")
	guest.send(KindICECandidate, map[string]any{"to": "nobody", "candidate": map[string]string{"candidate": "c"}})
	guest.expectNone(KindError, 200*time.Millisecond)
}

func TestSignalAcrossMeetingsDropped(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.repo.CreateMeeting(context.Background(), storage.CreateMeetingParams{HostID: "host", Title: "Other"})
	if err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	host := env.join(t, "host")
	outsider := env.dial(t)
	outsider.send(KindJoinMeeting, map[string]any{"meetingId": other.ID, "user": map[string]string{"userId": "x"}})
	outsider.expect(KindJoined, nil)

	host.send(KindOffer, map[string]any{"to": outsider.connID, "offer": map[string]string{"sdp": "x"}})
	outsider.expectNone(KindOffer, 200*time.Millisecond)
}

func TestClientReadyForwardedToHostOnce(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	guest.send(KindClientReady, map[string]string{"meetingId": env.meeting.ID})
	var ready readyPayload
	host.expect(KindClientReady, &ready)
	if ready.FromConnID != guest.connID || ready.MeetingID != env.meeting.ID {
		t.Fatalf("unexpected ready payload %+v", ready)
	}

	guest.send(KindClientReady, map[string]string{"meetingId": env.meeting.ID})
	host.expectNone(KindClientReady, 200*time.Millisecond)
}

func TestChatMessageSanitisedAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	guest.send(KindChatMessage, map[string]any{"message": map[string]string{
		"userId":   "spoofed",
		"userName": "Guest",
		"message":  "<b>hello</b>",
	}})
	var chat chatPayload
	host.expect(KindChatMessage, &chat)
	if chat.Message.Message != "hello" || chat.Message.UserID != "guest" || chat.Message.ID == "" {
		t.Fatalf("unexpected chat %+v", chat.Message)
	}
	guest.expectNone(KindChatMessage, 150*time.Millisecond)
}

func TestAnnouncementsReachRestOfRoom(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	guest.send(KindMuted, map[string]any{"isMuted": true})
	var muted mutedPayload
	host.expect(KindMuted, &muted)
	if muted.UserID != "guest" || !muted.IsMuted {
		t.Fatalf("unexpected payload %+v", muted)
	}
	guest.send(KindHandRaised, map[string]any{"userId": "guest", "isHandRaised": true})
	var hand handRaisedPayload
	host.expect(KindHandRaised, &hand)
	if !hand.IsHandRaised {
		t.Fatal("expected raised hand")
	}
}

func TestRelayRequiresJoin(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.send(KindHandRaised, map[string]any{"isHandRaised": true})
	var e errorPayload
	c.expect(KindError, &e)
	if e.Message != ErrNotJoined.Error() {
		t.Fatalf("unexpected error %q", e.Message)
	}
}

func TestHostDisconnectEndsMeeting(t *testing.T) {
	env := newTestEnv(t)
	host := env.join(t, "host")
	guest := env.join(t, "guest")

	_ = host.conn.Close()

	var roster presence.RosterPayload
	guest.expect(presence.KindParticipantsUpdated, &roster)
	for len(roster.Participants) != 1 {
		guest.expect(presence.KindParticipantsUpdated, &roster)
	}
	var ended presence.MeetingEndedPayload
	guest.expect(presence.KindMeetingEnded, &ended)
	if ended.MeetingID != env.meeting.ID {
		t.Fatalf("unexpected meeting-ended payload %+v", ended)
	}
	meeting, err := env.repo.GetMeeting(context.Background(), env.meeting.ID)
	if err != nil || !meeting.HasDuration() {
		t.Fatalf("expected duration persisted, got %+v %v", meeting, err)
	}
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	env := newTestEnv(t)
	first := env.join(t, "guest")
	second := env.join(t, "guest")

	_ = first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("expected going-away close, got %v", err)
			}
			break
		}
	}
	connID, ok, err := env.sessions.FindByUser(context.Background(), env.meeting.ID, "guest")
	if err != nil || !ok || connID != second.connID {
		t.Fatalf("expected second connection to own the session, got %q %v %v", connID, ok, err)
	}
}

func TestLeaveMeetingKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t, "guest")
	c.send(KindLeaveMeeting, map[string]any{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := env.sessions.Lookup(context.Background(), c.connID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.send(KindJoinMeeting, map[string]any{"meetingId": env.meeting.Code, "user": map[string]string{"userId": "guest"}})
	c.expect(KindJoined, nil)
}
