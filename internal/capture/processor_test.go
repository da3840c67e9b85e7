package capture

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"siderec/internal/models"
)

func TestProcessorMergesEndedMeeting(t *testing.T) {
	store := newTestStore(t)
	media := &fakeMedia{}
	for _, user := range []string{"guest", "host", "late"} {
		writeChunk(t, store, "m1", user, 0, chunkData(user))
		if user != "late" {
			writeChunk(t, store, "m1", user, 1, chunkData(user))
		}
	}

	done := make(chan models.MergedArtifact, 8)
	engine := newTestEngine(t, store, media, func(cfg *EngineConfig) {
		cfg.OnSuccess = func(a models.MergedArtifact) { done <- a }
	})
	processor := NewProcessor(ProcessorConfig{Engine: engine, Workers: 1, Logger: discardLogger()})
	processor.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := processor.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("shutdown error: %v", err)
		}
	})

	processor.MeetingEnded(context.Background(), models.Meeting{ID: "m1", HostID: "host"})

	var final models.MergedArtifact
	users := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for final.Path == "" {
		select {
		case a := <-done:
			if a.Kind == models.ArtifactFinal {
				final = a
				continue
			}
			users[a.UserID] = true
		case <-timeout:
			t.Fatalf("timed out waiting for the final artifact, merged users %v", users)
		}
	}
	if !users["host"] || !users["guest"] || users["late"] {
		t.Fatalf("unexpected per-user merges %v", users)
	}
	data, err := os.ReadFile(final.Path)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	want := "composed:" + string(chunkData("host")) + string(chunkData("host")) +
		string(chunkData("guest")) + string(chunkData("guest"))
	if string(data) != want {
		t.Fatal("expected the host on the left of the composition")
	}
}

func TestProcessorDeduplicatesInFlightMeetings(t *testing.T) {
	store := newTestStore(t)
	writeChunk(t, store, "m1", "alice", 0, chunkData("a"))
	writeChunk(t, store, "m1", "alice", 1, chunkData("a"))

	var (
		mu      sync.Mutex
		concats int
	)
	release := make(chan struct{})
	media := &fakeMedia{}
	runner := RunnerFunc(func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		if hasArg(args, "concat") {
			mu.Lock()
			concats++
			mu.Unlock()
			<-release
		}
		return media.run(ctx, name, args...)
	})
	engine := newTestEngine(t, store, media, func(cfg *EngineConfig) { cfg.Runner = runner })
	processor := NewProcessor(ProcessorConfig{Engine: engine, Workers: 2, Logger: discardLogger()})
	processor.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})

	processor.Enqueue(Job{MeetingID: "m1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return concats == 1
	})
	processor.Enqueue(Job{MeetingID: "m1"})
	time.Sleep(50 * time.Millisecond)
	close(release)

	waitFor(t, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()
		return len(processor.inFlight) == 0
	})
	mu.Lock()
	defer mu.Unlock()
	if concats != 1 {
		t.Fatalf("expected the duplicate job to be dropped, got %d concats", concats)
	}
}

func TestProcessorMeetingEndedNeverBlocks(t *testing.T) {
	// Not started, so nothing drains the single queue slot.
	processor := NewProcessor(ProcessorConfig{QueueSize: 1, Logger: discardLogger()})
	t.Cleanup(func() { _ = processor.Shutdown(context.Background()) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.MeetingEnded(context.Background(), models.Meeting{ID: "m1", HostID: "h"})
		processor.MeetingEnded(context.Background(), models.Meeting{ID: "m2", HostID: "h"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MeetingEnded blocked on a full queue")
	}
	if got := len(processor.queue); got != 1 {
		t.Fatalf("expected one queued job, got %d", got)
	}
	if processor.TryEnqueue(Job{MeetingID: "m3"}) {
		t.Fatal("expected TryEnqueue to report a full queue")
	}
}

func TestComposePair(t *testing.T) {
	tests := []struct {
		name  string
		host  string
		users []string
		a, b  string
		ok    bool
	}{
		{"host first", "h", []string{"h", "x"}, "h", "x", true},
		{"host second", "h", []string{"a", "h", "z"}, "h", "a", true},
		{"no host artifact", "h", []string{"a", "b", "c"}, "a", "b", true},
		{"single user", "h", []string{"h"}, "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b, ok := composePair(tc.host, tc.users)
			if a != tc.a || b != tc.b || ok != tc.ok {
				t.Fatalf("expected (%q, %q, %v), got (%q, %q, %v)", tc.a, tc.b, tc.ok, a, b, ok)
			}
		})
	}
}

func TestProcessorNilSafe(t *testing.T) {
	var processor *Processor
	processor.Start()
	processor.Enqueue(Job{MeetingID: "m1"})
	if err := processor.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil shutdown, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
