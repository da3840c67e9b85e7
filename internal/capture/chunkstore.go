package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"siderec/internal/models"
)

const (
	uploadsDir  = "uploads"
	mergedDir   = "merged"
	chunkPrefix = "chunk-"
	chunkExt    = ".webm"
)

var (
	// ErrInvalidIdentifier is returned for ids that are empty or could escape
	// the media root.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidIndex is returned for negative chunk indexes.
	ErrInvalidIndex = errors.New("chunk index must be non-negative")
)

// FilesystemError wraps a failed filesystem operation on a chunk or artifact.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// ChunkStore lays out uploaded chunks and merged artifacts under a media
// root:
//
//	{root}/uploads/{meetingID}/{userID}/chunk-{index}.webm
//	{root}/merged/{meetingID}-{userID}-merged.webm
//	{root}/merged/{meetingID}-final.mp4
type ChunkStore struct {
	root string
}

// NewChunkStore prepares the directory layout under root.
func NewChunkStore(root string) (*ChunkStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	for _, dir := range []string{filepath.Join(abs, uploadsDir), filepath.Join(abs, mergedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return &ChunkStore{root: abs}, nil
}

func (s *ChunkStore) Root() string { return s.root }

// ValidateID rejects identifiers that are empty or contain anything other
// than letters, digits and "-_.@", or that start with a dot.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == '@':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChunkStore) chunkDir(meetingID, userID string) string {
	return filepath.Join(s.root, uploadsDir, meetingID, userID)
}

// ChunkPath returns the location of one chunk.
func (s *ChunkStore) ChunkPath(meetingID, userID string, index int) string {
	return filepath.Join(s.chunkDir(meetingID, userID), chunkPrefix+strconv.Itoa(index)+chunkExt)
}

// UserArtifactPath returns where the per-user merge of a meeting is written.
func (s *ChunkStore) UserArtifactPath(meetingID, userID string) string {
	return filepath.Join(s.root, mergedDir, meetingID+"-"+userID+"-merged.webm")
}

// FinalArtifactPath returns where the side-by-side composition is written.
func (s *ChunkStore) FinalArtifactPath(meetingID string) string {
	return filepath.Join(s.root, mergedDir, meetingID+"-final.mp4")
}

func (s *ChunkStore) mergedRoot() string {
	return filepath.Join(s.root, mergedDir)
}

// Write stores one chunk. The data is written to a temporary file in the
// destination directory and renamed into place, so a chunk is either absent
// or complete. Rewriting an index replaces the previous chunk.
func (s *ChunkStore) Write(ctx context.Context, meetingID, userID string, index int, r io.Reader) (models.Chunk, error) {
	if err := validateIDs(meetingID, userID); err != nil {
		return models.Chunk{}, err
	}
	if index < 0 {
		return models.Chunk{}, ErrInvalidIndex
	}
	if err := ctx.Err(); err != nil {
		return models.Chunk{}, err
	}
	dir := s.chunkDir(meetingID, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Chunk{}, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return models.Chunk{}, &FilesystemError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	size, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if err != nil {
		cleanup()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Chunk{}, ctxErr
		}
		return models.Chunk{}, &FilesystemError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return models.Chunk{}, &FilesystemError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return models.Chunk{}, &FilesystemError{Op: "close", Path: tmpName, Err: err}
	}
	path := s.ChunkPath(meetingID, userID, index)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return models.Chunk{}, &FilesystemError{Op: "rename", Path: path, Err: err}
	}
	return models.Chunk{
		MeetingID: meetingID,
		UserID:    userID,
		Index:     index,
		Path:      path,
		SizeBytes: size,
	}, nil
}

// List returns the chunks of one user ordered by numeric index. Files that
// do not follow the chunk naming scheme are ignored.
func (s *ChunkStore) List(ctx context.Context, meetingID, userID string) ([]models.Chunk, error) {
	if err := validateIDs(meetingID, userID); err != nil {
		return nil, err
	}
	dir := s.chunkDir(meetingID, userID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &FilesystemError{Op: "readdir", Path: dir, Err: err}
	}
	chunks := make([]models.Chunk, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		index, ok := parseChunkIndex(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &FilesystemError{Op: "stat", Path: filepath.Join(dir, entry.Name()), Err: err}
		}
		chunks = append(chunks, models.Chunk{
			MeetingID: meetingID,
			UserID:    userID,
			Index:     index,
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// Users lists the users that uploaded at least one file for a meeting.
func (s *ChunkStore) Users(ctx context.Context, meetingID string) ([]string, error) {
	if err := ValidateID(meetingID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, uploadsDir, meetingID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &FilesystemError{Op: "readdir", Path: dir, Err: err}
	}
	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && ValidateID(entry.Name()) == nil {
			users = append(users, entry.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

func parseChunkIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkExt) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkExt)
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
