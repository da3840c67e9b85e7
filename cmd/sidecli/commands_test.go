package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"siderec/internal/capture"
)

// fakeFFmpeg probes every file as video, rejects files starting with
// "CORRUPT" and writes concat or compose output to the last argument.
func fakeFFmpeg(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	if name == "ffprobe" {
		return []byte("video\n"), nil, nil
	}
	for i, arg := range args {
		switch arg {
		case "null":
			data, err := os.ReadFile(args[i-2])
			if err != nil {
				return nil, nil, err
			}
			if bytes.HasPrefix(data, []byte("CORRUPT")) {
				return nil, []byte("invalid data found"), nil
			}
			return nil, nil, nil
		case "concat":
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

type cliEnv struct {
	root   string
	config string
	store  *capture.ChunkStore
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "media")
	store, err := capture.NewChunkStore(root)
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	config := filepath.Join(dir, "sidecli.toml")
	body := "media_root = \"" + filepath.ToSlash(root) + "\"\nmin_chunk_bytes = 4\nparallelism = 2\n"
	if err := os.WriteFile(config, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliEnv{root: root, config: config, store: store}
}

func (e *cliEnv) chunk(t *testing.T, meetingID, userID string, index int, data string) {
	t.Helper()
	if _, err := e.store.Write(context.Background(), meetingID, userID, index, strings.NewReader(data)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&app{runner: capture.RunnerFunc(fakeFFmpeg)})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUsersCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.chunk(t, "m1", "bob", 0, "bbbb")
	env.chunk(t, "m1", "alice", 0, "aaaa")
	env.chunk(t, "m1", "alice", 1, "aaaa")

	out, err := env.run(t, "users", "m1")
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if out != "alice\t2 chunks\nbob\t1 chunks\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestValidateCommandReportsDiscards(t *testing.T) {
	env := newCLIEnv(t)
	env.chunk(t, "m1", "alice", 0, "good chunk")
	env.chunk(t, "m1", "alice", 1, "x")
	env.chunk(t, "m1", "alice", 2, "CORRUPT chunk")
	env.chunk(t, "m1", "alice", 3, "good chunk")

	out, err := env.run(t, "validate", "m1", "alice")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"ok\t0\t", "ok\t3\t", "discard\t1\t", "discard\t2\t", "2 of 4 chunks usable"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestMergeCommandConcatenatesInOrder(t *testing.T) {
	env := newCLIEnv(t)
	env.chunk(t, "m1", "alice", 10, "CCCC")
	env.chunk(t, "m1", "alice", 2, "BBBB")
	env.chunk(t, "m1", "alice", 0, "AAAA")

	out, err := env.run(t, "merge", "m1", "alice")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	path := env.store.UserArtifactPath("m1", "alice")
	if !strings.Contains(out, path) || !strings.Contains(out, "blake2b:") {
		t.Fatalf("expected artifact line, got %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "AAAABBBBCCCC" {
		t.Fatalf("unexpected merged content %q", data)
	}
}

func TestMergeCommandNeedsTwoChunks(t *testing.T) {
	env := newCLIEnv(t)
	env.chunk(t, "m1", "alice", 0, "AAAA")

	if _, err := env.run(t, "merge", "m1", "alice"); !errors.Is(err, capture.ErrNotEnoughChunks) {
		t.Fatalf("expected ErrNotEnoughChunks, got %v", err)
	}
}

func TestSideBySideCommand(t *testing.T) {
	env := newCLIEnv(t)
	for _, user := range []string{"host", "guest"} {
		env.chunk(t, "m1", user, 0, "data")
		env.chunk(t, "m1", user, 1, "data")
	}

	if _, err := env.run(t, "side-by-side", "m1", "host", "guest"); !errors.Is(err, capture.ErrArtifactMissing) {
		t.Fatalf("expected missing artifacts before merging, got %v", err)
	}

	out, err := env.run(t, "side-by-side", "--merge-users", "m1", "host", "guest")
	if err != nil {
		t.Fatalf("side-by-side: %v", err)
	}
	if !strings.Contains(out, "user host") || !strings.Contains(out, "user guest") || !strings.Contains(out, env.store.FinalArtifactPath("m1")) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCommandsRejectWrongArgs(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "merge", "m1"); err == nil {
		t.Fatal("expected an argument error")
	}
}
