package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes external media tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs binaries with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Tools names the ffmpeg and ffprobe binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

func (t Tools) withDefaults() Tools {
	if strings.TrimSpace(t.FFmpeg) == "" {
		t.FFmpeg = "ffmpeg"
	}
	if strings.TrimSpace(t.FFprobe) == "" {
		t.FFprobe = "ffprobe"
	}
	return t
}

// Check verifies both binaries can be found.
func (t Tools) Check() error {
	t = t.withDefaults()
	for _, bin := range []string{t.FFmpeg, t.FFprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// commandError folds the tool's stderr into the returned error.
func commandError(name string, err error, stderr []byte) error {
	detail := strings.TrimSpace(string(stderr))
	if detail == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(detail) > 2048 {
		detail = detail[len(detail)-2048:]
	}
	return fmt.Errorf("%s: %w\n%s", name, err, detail)
}
