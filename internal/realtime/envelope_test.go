package realtime

import (
	"errors"
	"testing"
)

func TestDecodeValidatesPayloads(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		kind    string
		wantErr bool
	}{
		{name: "not json", raw: `{`, wantErr: true},
		{name: "missing kind", raw: `{"payload":{}}`, wantErr: true},
		{name: "unknown kind", raw: `{"kind":"nope","payload":{}}`, wantErr: true},
		{name: "join without user", raw: `{"kind":"join-meeting","payload":{"meetingId":"m"}}`, wantErr: true},
		{name: "join", raw: `{"kind":"join-meeting","payload":{"meetingId":"m","user":{"userId":"u"}}}`, kind: KindJoinMeeting},
		{name: "leave without payload", raw: `{"kind":"leave-meeting"}`, kind: KindLeaveMeeting},
		{name: "offer without body", raw: `{"kind":"offer","payload":{"to":"c"}}`, wantErr: true},
		{name: "answer", raw: `{"kind":"answer","payload":{"to":"c","answer":{"sdp":"x"}}}`, kind: KindAnswer},
		{name: "candidate in wrong field", raw: `{"kind":"ice-candidate","payload":{"to":"c","offer":{}}}`, wantErr: true},
		{name: "empty chat", raw: `{"kind":"chat-message","payload":{"message":{"message":"  "}}}`, wantErr: true},
		{name: "null payload", raw: `{"kind":"participant-muted","payload":null}`, wantErr: true},
		{name: "video toggled", raw: `{"kind":"participant-video-toggled","payload":{"isVideoOff":true}}`, kind: KindVideoToggled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := decode([]byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, errInvalidEnvelope) {
					t.Fatalf("expected invalid envelope error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, msg.kind)
			}
		})
	}
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	hub := NewHub(nil)
	a := &client{id: "a", send: make(chan []byte, 1)}
	b := &client{id: "b", send: make(chan []byte, 1)}
	hub.add(a)
	hub.add(b)
	hub.attach(a, "m1")
	hub.attach(b, "m1")

	if n := hub.BroadcastExcept("m1", "a", KindHandRaised, handRaisedPayload{UserID: "a"}); n != 1 {
		t.Fatalf("expected one recipient, got %d", n)
	}
	if len(a.send) != 0 || len(b.send) != 1 {
		t.Fatalf("unexpected queue depths a=%d b=%d", len(a.send), len(b.send))
	}
	// b's queue is full now; the message is dropped rather than blocking.
	if n := hub.BroadcastExcept("m1", "a", KindHandRaised, handRaisedPayload{}); n != 0 {
		t.Fatalf("expected drop on full queue, got %d", n)
	}

	hub.attach(b, "m2")
	if hub.RoomSize("m1") != 1 || hub.RoomSize("m2") != 1 {
		t.Fatalf("unexpected room sizes %d %d", hub.RoomSize("m1"), hub.RoomSize("m2"))
	}
	if !hub.remove(a) || hub.remove(a) {
		t.Fatal("remove should succeed exactly once")
	}
	if hub.RoomSize("m1") != 0 || hub.Connections() != 1 {
		t.Fatal("removed client should leave its room")
	}
	if hub.Send("a", KindHello, helloPayload{}) {
		t.Fatal("send to removed client should fail")
	}
}
