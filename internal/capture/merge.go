package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"siderec/internal/models"
	"siderec/internal/observability/logging"
	"siderec/internal/observability/metrics"
)

// ErrArtifactMissing is returned when a composition input or a requested
// recording does not exist.
var ErrArtifactMissing = errors.New("merged artifact not found")

// Stage names the merge step that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageConcat   Stage = "concat"
	StageCompose  Stage = "compose"
	StageFinalize Stage = "finalize"
)

const sideBySideFilter = "[0:v]scale=1280:720[va];[1:v]scale=1280:720[vb];[va][vb]hstack=inputs=2[v];[0:a][1:a]amix=inputs=2[a]"

// MergeError reports a failed merge and the stage it failed in.
type MergeError struct {
	Stage     Stage
	Kind      models.ArtifactKind
	MeetingID string
	UserID    string
	Err       error
}

func (e *MergeError) Error() string {
	subject := e.MeetingID
	if e.UserID != "" {
		subject += "/" + e.UserID
	}
	return fmt.Sprintf("%s merge %s failed at %s: %v", e.Kind, subject, e.Stage, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

type EngineConfig struct {
	Store     *ChunkStore
	Validator *Validator
	Runner    Runner
	Tools     Tools
	// Timeout bounds a single merge. Defaults to 10 minutes.
	Timeout   time.Duration
	Logger    *slog.Logger
	OnSuccess func(models.MergedArtifact)
	OnFailure func(*MergeError)
	Now       func() time.Time
}

// Engine produces per-user and side-by-side artifacts from stored chunks.
// Merges of the same artifact are serialised.
type Engine struct {
	store     *ChunkStore
	validator *Validator
	runner    Runner
	tools     Tools
	timeout   time.Duration
	logger    *slog.Logger
	onSuccess func(models.MergedArtifact)
	onFailure func(*MergeError)
	now       func() time.Time
	locks     *keyedMutex
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("chunk store is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	tools := cfg.Tools.withDefaults()
	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator(ValidatorConfig{Runner: runner, Tools: tools})
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     cfg.Store,
		validator: validator,
		runner:    runner,
		tools:     tools,
		timeout:   timeout,
		logger:    logging.WithComponent(logger, "merge"),
		onSuccess: cfg.OnSuccess,
		onFailure: cfg.OnFailure,
		now:       now,
		locks:     newKeyedMutex(),
	}, nil
}

// Store returns the chunk store backing the engine.
func (e *Engine) Store() *ChunkStore { return e.store }

// MergeUser validates a user's chunks and concatenates the survivors in
// index order into the per-user artifact, replacing any previous one.
func (e *Engine) MergeUser(ctx context.Context, meetingID, userID string) (models.MergedArtifact, error) {
	if err := validateIDs(meetingID, userID); err != nil {
		return models.MergedArtifact{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	started := e.now()

	unlock, err := e.locks.Lock(ctx, "user:"+meetingID+":"+userID)
	if err != nil {
		return models.MergedArtifact{}, err
	}
	defer unlock()

	fail := func(stage Stage, err error) (models.MergedArtifact, error) {
		return models.MergedArtifact{}, e.failed(&MergeError{
			Stage: stage, Kind: models.ArtifactUser, MeetingID: meetingID, UserID: userID, Err: err,
		}, started)
	}

	chunks, err := e.store.List(ctx, meetingID, userID)
	if err != nil {
		return fail(StageValidate, err)
	}
	result, err := e.validator.Validate(ctx, chunks)
	for _, d := range result.Discarded {
		e.logger.Info("chunk discarded",
			"meeting_id", meetingID,
			"user_id", userID,
			"index", d.Chunk.Index,
			"reason", d.Reason,
			"detail", d.Detail,
		)
	}
	if err != nil {
		if errors.Is(err, ErrNotEnoughChunks) {
			metrics.ObserveMerge(string(models.ArtifactUser), "rejected", 0)
			return models.MergedArtifact{}, err
		}
		return fail(StageValidate, err)
	}

	workDir, err := os.MkdirTemp(e.store.mergedRoot(), ".concat-*")
	if err != nil {
		return fail(StageConcat, err)
	}
	defer os.RemoveAll(workDir)

	listPath := filepath.Join(workDir, "list.txt")
	if err := writeConcatList(listPath, result.Valid); err != nil {
		return fail(StageConcat, err)
	}
	tmpOut := filepath.Join(workDir, "merged.webm")
	_, stderr, err := e.runner.Run(ctx, e.tools.FFmpeg,
		"-hide_banner", "-v", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		tmpOut,
	)
	if err != nil {
		return fail(StageConcat, commandError("ffmpeg concat", err, stderr))
	}

	artifact, err := e.finalize(tmpOut, e.store.UserArtifactPath(meetingID, userID))
	if err != nil {
		return fail(StageFinalize, err)
	}
	artifact.Kind = models.ArtifactUser
	artifact.MeetingID = meetingID
	artifact.UserID = userID
	artifact.ChunkCount = len(result.Valid)
	return e.succeeded(artifact, started), nil
}

// MergeSideBySide composes two per-user artifacts into the meeting's final
// recording. Nothing is written when either input is missing.
func (e *Engine) MergeSideBySide(ctx context.Context, meetingID, userA, userB string) (models.MergedArtifact, error) {
	if err := validateIDs(meetingID, userA, userB); err != nil {
		return models.MergedArtifact{}, err
	}
	if userA == userB {
		return models.MergedArtifact{}, fmt.Errorf("%w: side-by-side needs two distinct users", ErrInvalidIdentifier)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	started := e.now()

	inputs := []string{e.store.UserArtifactPath(meetingID, userA), e.store.UserArtifactPath(meetingID, userB)}
	for i, path := range inputs {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				user := userA
				if i == 1 {
					user = userB
				}
				return models.MergedArtifact{}, fmt.Errorf("%w: %s has no merged recording", ErrArtifactMissing, user)
			}
			return models.MergedArtifact{}, &FilesystemError{Op: "stat", Path: path, Err: err}
		}
	}

	unlock, err := e.locks.Lock(ctx, "final:"+meetingID)
	if err != nil {
		return models.MergedArtifact{}, err
	}
	defer unlock()

	fail := func(stage Stage, err error) (models.MergedArtifact, error) {
		return models.MergedArtifact{}, e.failed(&MergeError{
			Stage: stage, Kind: models.ArtifactFinal, MeetingID: meetingID, Err: err,
		}, started)
	}

	workDir, err := os.MkdirTemp(e.store.mergedRoot(), ".compose-*")
	if err != nil {
		return fail(StageCompose, err)
	}
	defer os.RemoveAll(workDir)

	tmpOut := filepath.Join(workDir, "final.mp4")
	_, stderr, err := e.runner.Run(ctx, e.tools.FFmpeg,
		"-hide_banner", "-v", "error", "-y",
		"-i", inputs[0],
		"-i", inputs[1],
		"-filter_complex", sideBySideFilter,
		"-map", "[v]",
		"-map", "[a]",
		"-c:v", "libx264",
		"-c:a", "aac",
		tmpOut,
	)
	if err != nil {
		return fail(StageCompose, commandError("ffmpeg compose", err, stderr))
	}

	artifact, err := e.finalize(tmpOut, e.store.FinalArtifactPath(meetingID))
	if err != nil {
		return fail(StageFinalize, err)
	}
	artifact.Kind = models.ArtifactFinal
	artifact.MeetingID = meetingID
	return e.succeeded(artifact, started), nil
}

// OpenFinal opens the final recording of a meeting for reading.
func (e *Engine) OpenFinal(meetingID string) (*os.File, os.FileInfo, error) {
	if err := ValidateID(meetingID); err != nil {
		return nil, nil, err
	}
	path := e.store.FinalArtifactPath(meetingID)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrArtifactMissing, meetingID)
		}
		return nil, nil, &FilesystemError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, &FilesystemError{Op: "stat", Path: path, Err: err}
	}
	return f, info, nil
}

// finalize hashes tmp and renames it over dest.
func (e *Engine) finalize(tmp, dest string) (models.MergedArtifact, error) {
	digest, size, err := digestFile(tmp)
	if err != nil {
		return models.MergedArtifact{}, err
	}
	if size == 0 {
		return models.MergedArtifact{}, errors.New("ffmpeg produced an empty file")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return models.MergedArtifact{}, &FilesystemError{Op: "rename", Path: dest, Err: err}
	}
	return models.MergedArtifact{
		Path:      dest,
		SizeBytes: size,
		Digest:    digest,
		CreatedAt: e.now().UTC(),
	}, nil
}

func (e *Engine) succeeded(artifact models.MergedArtifact, started time.Time) models.MergedArtifact {
	elapsed := e.now().Sub(started)
	metrics.ObserveMerge(string(artifact.Kind), "success", elapsed)
	e.logger.Info("merge completed",
		"kind", artifact.Kind,
		"meeting_id", artifact.MeetingID,
		"user_id", artifact.UserID,
		"bytes", artifact.SizeBytes,
		"chunks", artifact.ChunkCount,
		"duration_ms", elapsed.Milliseconds(),
	)
	if e.onSuccess != nil {
		e.onSuccess(artifact)
	}
	return artifact
}

func (e *Engine) failed(err *MergeError, started time.Time) error {
	metrics.ObserveMerge(string(err.Kind), "failure", e.now().Sub(started))
	e.logger.Error("merge failed",
		"kind", err.Kind,
		"meeting_id", err.MeetingID,
		"user_id", err.UserID,
		"stage", err.Stage,
		"error", err.Err,
	)
	if e.onFailure != nil {
		e.onFailure(err)
	}
	return err
}

func writeConcatList(path string, chunks []models.Chunk) error {
	var b strings.Builder
	for _, chunk := range chunks {
		// The concat demuxer reads single-quoted paths; embedded quotes are
		// closed, escaped and reopened.
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(chunk.Path, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return &FilesystemError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &FilesystemError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, &FilesystemError{Op: "read", Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
