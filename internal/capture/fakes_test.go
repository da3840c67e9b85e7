package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

const (
	markerNoVideo = "NOVIDEO"
	markerCorrupt = "CORRUPT"
)

// fakeMedia imitates ffprobe and ffmpeg by inspecting file contents: chunks
// starting with NOVIDEO have no video stream and chunks starting with CORRUPT
// fail to decode. Concat and compose write real output files.
type fakeMedia struct {
	mu         sync.Mutex
	calls      [][]string
	concatErr  error
	composeErr error
}

func (f *fakeMedia) runner() Runner {
	return RunnerFunc(f.run)
}

func (f *fakeMedia) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	switch {
	case name == "ffprobe":
		data, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			return nil, []byte(err.Error()), err
		}
		if bytes.HasPrefix(data, []byte(markerNoVideo)) {
			return nil, nil, nil
		}
		return []byte("video\n"), nil, nil
	case hasArg(args, "null"):
		data, err := os.ReadFile(argAfter(args, "-i"))
		if err != nil {
			return nil, []byte(err.Error()), err
		}
		if bytes.HasPrefix(data, []byte(markerCorrupt)) {
			return nil, []byte("[matroska,webm] EBML header parsing failed\n"), nil
		}
		return nil, nil, nil
	case hasArg(args, "concat"):
		if f.concatErr != nil {
			return nil, []byte("concat exploded"), f.concatErr
		}
		return nil, nil, writeConcat(argAfter(args, "-i"), args[len(args)-1])
	case hasArg(args, "-filter_complex"):
		if f.composeErr != nil {
			return nil, []byte("compose exploded"), f.composeErr
		}
		var out bytes.Buffer
		out.WriteString("composed:")
		for i, arg := range args {
			if arg == "-i" && i+1 < len(args) {
				data, err := os.ReadFile(args[i+1])
				if err != nil {
					return nil, nil, err
				}
				out.Write(data)
			}
		}
		return nil, nil, os.WriteFile(args[len(args)-1], out.Bytes(), 0o644)
	}
	return nil, nil, errors.New("unexpected command")
}

func (f *fakeMedia) callsMatching(arg string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if hasArg(call, arg) {
			out = append(out, call)
		}
	}
	return out
}

func writeConcat(listPath, outPath string) error {
	list, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	for _, line := range strings.Split(strings.TrimSpace(string(list)), "\n") {
		path := strings.TrimSuffix(strings.TrimPrefix(line, "file '"), "'")
		path = strings.ReplaceAll(path, `'\''`, "'")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out.Write(data)
	}
	return os.WriteFile(outPath, out.Bytes(), 0o644)
}

func hasArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

func argAfter(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// chunkData returns a payload large enough to pass the size filter.
func chunkData(marker string) []byte {
	return append([]byte(marker), bytes.Repeat([]byte{'.'}, 1100)...)
}

func writeChunk(t *testing.T, store *ChunkStore, meetingID, userID string, index int, data []byte) {
	t.Helper()
	if _, err := store.Write(context.Background(), meetingID, userID, index, bytes.NewReader(data)); err != nil {
		t.Fatalf("write chunk %d: %v", index, err)
	}
}

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	store, err := NewChunkStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewChunkStore: %v", err)
	}
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
