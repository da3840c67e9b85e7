package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"siderec/internal/models"
)

// ErrNotEnoughChunks is returned when fewer than the minimum number of chunks
// survive validation.
var ErrNotEnoughChunks = errors.New("not enough valid chunks")

const (
	defaultMinChunkBytes = 1024
	defaultMinValid      = 2
	defaultParallelism   = 4
)

// DiscardReason explains why a chunk was left out of a merge.
type DiscardReason string

const (
	ReasonTooSmall     DiscardReason = "too-small"
	ReasonNoVideo      DiscardReason = "no-video-stream"
	ReasonDecodeErrors DiscardReason = "decode-errors"
	ReasonProbeFailed  DiscardReason = "probe-failed"
)

// Discard records one rejected chunk.
type Discard struct {
	Chunk  models.Chunk  `json:"chunk"`
	Reason DiscardReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// ValidationResult splits chunks into survivors, in index order, and
// discards.
type ValidationResult struct {
	Valid     []models.Chunk `json:"valid"`
	Discarded []Discard      `json:"discarded,omitempty"`
}

type ValidatorConfig struct {
	Runner        Runner
	Tools         Tools
	MinChunkBytes int64
	// MinValid is the number of surviving chunks a merge needs. Defaults to 2.
	MinValid int
	// Parallelism bounds concurrent probes. Defaults to 4.
	Parallelism int
}

// Validator filters chunks that would break a concatenation: undersized
// files, files without a video stream and files that fail to decode.
type Validator struct {
	runner      Runner
	tools       Tools
	minBytes    int64
	minValid    int
	parallelism int
}

func NewValidator(cfg ValidatorConfig) *Validator {
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	minBytes := cfg.MinChunkBytes
	if minBytes <= 0 {
		minBytes = defaultMinChunkBytes
	}
	minValid := cfg.MinValid
	if minValid <= 0 {
		minValid = defaultMinValid
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Validator{
		runner:      runner,
		tools:       cfg.Tools.withDefaults(),
		minBytes:    minBytes,
		minValid:    minValid,
		parallelism: parallelism,
	}
}

// Validate checks every chunk. When fewer than MinValid survive it returns
// the result together with an error wrapping ErrNotEnoughChunks.
func (v *Validator) Validate(ctx context.Context, chunks []models.Chunk) (ValidationResult, error) {
	verdicts := make([]*Discard, len(chunks))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(v.parallelism)
	for i, chunk := range chunks {
		group.Go(func() error {
			discard, err := v.check(gctx, chunk)
			if err != nil {
				return err
			}
			verdicts[i] = discard
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ValidationResult{}, err
	}

	var result ValidationResult
	for i, chunk := range chunks {
		if verdicts[i] != nil {
			result.Discarded = append(result.Discarded, *verdicts[i])
			continue
		}
		result.Valid = append(result.Valid, chunk)
	}
	if len(result.Valid) < v.minValid {
		return result, fmt.Errorf("%w: %d of %d usable, need %d", ErrNotEnoughChunks, len(result.Valid), len(chunks), v.minValid)
	}
	return result, nil
}

// check returns a Discard for a rejected chunk, nil for a good one, and an
// error only when ctx ends.
func (v *Validator) check(ctx context.Context, chunk models.Chunk) (*Discard, error) {
	if chunk.SizeBytes < v.minBytes {
		return &Discard{Chunk: chunk, Reason: ReasonTooSmall, Detail: fmt.Sprintf("%d bytes", chunk.SizeBytes)}, nil
	}

	stdout, stderr, err := v.runner.Run(ctx, v.tools.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		chunk.Path,
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return &Discard{Chunk: chunk, Reason: ReasonProbeFailed, Detail: commandError("ffprobe", err, stderr).Error()}, nil
	}
	if !strings.Contains(string(stdout), "video") {
		return &Discard{Chunk: chunk, Reason: ReasonNoVideo}, nil
	}

	_, stderr, err = v.runner.Run(ctx, v.tools.FFmpeg,
		"-v", "error",
		"-i", chunk.Path,
		"-f", "null",
		"-",
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if lines := errorLines(stderr); err != nil || len(lines) > 0 {
		detail := strings.Join(lines, "; ")
		if detail == "" && err != nil {
			detail = err.Error()
		}
		return &Discard{Chunk: chunk, Reason: ReasonDecodeErrors, Detail: detail}, nil
	}
	return nil, nil
}

func errorLines(stderr []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(stderr), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
