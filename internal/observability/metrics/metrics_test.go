package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                                        "/",
		"/":                                       "/",
		"/api/meetings/":                          "/api/meetings",
		"/api/meetings/history/user-123":          "/api/meetings/history/:id",
		"/api/recordings/4f9c2d7e-1111-4a4a-9b9b": "/api/recordings/:id",
		"api/merge/side-by-side":                  "/api/merge/side-by-side",
		"/api/meetings/{meetingID}":               "/api/meetings/{meetingID}",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	recorder := New()
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return HTTPMiddleware(recorder, next)
	})
	router.Get("/api/meetings/{meetingID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/meetings/abc", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/api/meetings/{meetingID}", "418"))
	if got != 1 {
		t.Fatalf("expected one request recorded against the route pattern, got %v", got)
	}
}

func TestRecorderCounters(t *testing.T) {
	recorder := New()
	recorder.ChunkStored(2048)
	recorder.ChunkStored(0)
	recorder.ChunkFailed()
	recorder.ObserveMerge("user", "success", 2*time.Second)
	recorder.ObserveMerge("final", "failure", 0)
	recorder.MeetingEnded()
	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	recorder.ObserveSignal("Offer", "relayed")
	recorder.ObservePublication("")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"chunks stored", testutil.ToFloat64(recorder.chunks.WithLabelValues("stored")), 2},
		{"chunks failed", testutil.ToFloat64(recorder.chunks.WithLabelValues("failed")), 1},
		{"chunk bytes", testutil.ToFloat64(recorder.chunkBytes), 2048},
		{"user merges", testutil.ToFloat64(recorder.merges.WithLabelValues("user", "success")), 1},
		{"final failures", testutil.ToFloat64(recorder.merges.WithLabelValues("final", "failure")), 1},
		{"meetings ended", testutil.ToFloat64(recorder.meetingsEnded), 1},
		{"live connections", testutil.ToFloat64(recorder.liveConnections), 1},
		{"signals", testutil.ToFloat64(recorder.signaling.WithLabelValues("offer", "relayed")), 1},
		{"publications", testutil.ToFloat64(recorder.publications.WithLabelValues("unknown")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	recorder := New()
	SetDefault(recorder)
	MeetingEnded()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "siderec_meetings_ended_total 1") {
		t.Fatalf("expected meetings ended counter in exposition, got %s", body)
	}
}

func TestResponseRecorderDefaultsToOK(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, err := rr.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Status())
	}
	if _, _, err := rr.Hijack(); err == nil {
		t.Fatal("expected hijack to be unsupported on httptest recorder")
	}
}
