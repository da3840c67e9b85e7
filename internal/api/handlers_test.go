package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"siderec/internal/capture"
	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/session"
	"siderec/internal/storage"
)

type testEnv struct {
	handler  *Handler
	router   *chi.Mux
	store    storage.Repository
	sessions *session.MemoryRegistry
	chunks   *capture.ChunkStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	chunks, err := capture.NewChunkStore(filepath.Join(dir, "media"))
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	engine, err := capture.NewEngine(capture.EngineConfig{
		Store:  chunks,
		Runner: capture.RunnerFunc(fakeFFmpeg),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sessions := session.NewMemoryRegistry(nil)
	handler := NewHandler(store, sessions, engine)
	handler.Logger = logging.Discard()
	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	handler.Routes(router)
	return &testEnv{handler: handler, router: router, store: store, sessions: sessions, chunks: chunks}
}

// fakeFFmpeg accepts every chunk and writes the concat or compose output
// named by the final argument.
func fakeFFmpeg(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	if name == "ffprobe" {
		return []byte("video\n"), nil, nil
	}
	for i, arg := range args {
		if arg == "null" {
			return nil, nil, nil
		}
		if arg == "concat" {
			list, err := os.ReadFile(args[i+4])
			if err != nil {
				return nil, nil, err
			}
			var out bytes.Buffer
			for _, line := range strings.Split(strings.TrimSpace(string(list)), "\n") {
				data, err := os.ReadFile(strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'"))
				if err != nil {
					return nil, nil, err
				}
				out.Write(data)
			}
			return nil, nil, os.WriteFile(args[len(args)-1], out.Bytes(), 0o644)
		}
	}
	return nil, nil, os.WriteFile(args[len(args)-1], []byte("final mp4"), 0o644)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) createMeeting(t *testing.T, hostID string) models.Meeting {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/meetings", map[string]string{"title": "Standup", "hostId": hostID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp meetingResponse
	decodeBody(t, rec, &resp)
	return resp.Meeting
}

func TestCreateMeetingValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]string{
		{"hostId": "alice"},
		{"title": "Standup"},
		{"title": "   ", "hostId": "alice"},
	} {
		rec := env.do(t, http.MethodPost, "/api/meetings", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 for %v, got %d", body, rec.Code)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["error"] == "" {
			t.Fatalf("expected error message for %v", body)
		}
	}

	meeting := env.createMeeting(t, "alice")
	if meeting.ID == "" || meeting.Code == "" || meeting.HostID != "alice" || meeting.Title != "Standup" {
		t.Fatalf("unexpected meeting %+v", meeting)
	}
}

func TestJoinAndMeetingDetails(t *testing.T) {
	env := newTestEnv(t)
	meeting := env.createMeeting(t, "alice")

	rec := env.do(t, http.MethodPost, "/api/meetings/join", map[string]string{"code": meeting.Code, "userId": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var joined meetingResponse
	decodeBody(t, rec, &joined)
	if joined.Meeting.ID != meeting.ID {
		t.Fatalf("expected join by code to resolve %s, got %s", meeting.ID, joined.Meeting.ID)
	}

	if rec := env.do(t, http.MethodPost, "/api/meetings/join", map[string]string{"meetingId": "missing", "userId": "bob"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown meeting, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/meetings/join", map[string]string{"userId": "bob"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without meeting, got %d", rec.Code)
	}

	// bob is a participant row but has not joined over the realtime channel.
	if _, err := env.store.UpsertParticipantJoined(context.Background(), meeting.ID, models.UserInfo{UserID: "carol", Name: "Carol"}, time.Now()); err != nil {
		t.Fatalf("UpsertParticipantJoined: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/api/meetings/"+meeting.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var details meetingDetailsResponse
	decodeBody(t, rec, &details)
	if len(details.Meeting.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", details.Meeting.Participants)
	}

	rec = env.do(t, http.MethodGet, "/api/meetings/"+meeting.ID+"?joined=true", nil)
	decodeBody(t, rec, &details)
	if len(details.Meeting.Participants) != 1 || details.Meeting.Participants[0].UserID != "carol" {
		t.Fatalf("expected only carol, got %+v", details.Meeting.Participants)
	}

	if rec := env.do(t, http.MethodGet, "/api/meetings/"+meeting.ID+"?joined=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for bad joined flag, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/meetings/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestMeetingHistoryIncludesHostedAndJoined(t *testing.T) {
	env := newTestEnv(t)
	hosted := env.createMeeting(t, "alice")
	other := env.createMeeting(t, "bob")
	env.createMeeting(t, "carol")
	if rec := env.do(t, http.MethodPost, "/api/meetings/join", map[string]string{"meetingId": other.ID, "userId": "alice"}); rec.Code != http.StatusOK {
		t.Fatalf("join failed: %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/meetings/history/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp meetingHistoryResponse
	decodeBody(t, rec, &resp)
	ids := map[string]bool{}
	for _, m := range resp.Meetings {
		ids[m.ID] = true
	}
	if len(ids) != 2 || !ids[hosted.ID] || !ids[other.ID] {
		t.Fatalf("unexpected history %+v", resp.Meetings)
	}

	rec = env.do(t, http.MethodGet, "/api/meetings/history/nobody", nil)
	if strings.TrimSpace(rec.Body.String()) != `{"meetings":[]}` {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestHealthReportsComponents(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.sessions.Register(context.Background(), session.Session{ConnID: "c1", UserID: "u1", MeetingID: "m1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp healthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || resp.LiveSessions != 1 || len(resp.Components) != 2 {
		t.Fatalf("unexpected health %+v", resp)
	}
}
