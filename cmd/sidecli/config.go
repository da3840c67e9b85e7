package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultConfigFile = "sidecli.toml"

// Config holds the settings shared by every command.
type Config struct {
	MediaRoot     string
	FFmpeg        string
	FFprobe       string
	MinChunkBytes int64
	Parallelism   int
	MergeTimeout  time.Duration
}

type fileConfig struct {
	MediaRoot     string `toml:"media_root"`
	FFmpeg        string `toml:"ffmpeg"`
	FFprobe       string `toml:"ffprobe"`
	MinChunkBytes int64  `toml:"min_chunk_bytes"`
	Parallelism   int    `toml:"parallelism"`
	MergeTimeout  string `toml:"merge_timeout"`
}

// loadConfig reads path when given, or sidecli.toml in the working directory
// when present, then applies SIDEREC_* environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := Config{MediaRoot: "data/media"}

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigFile
	}
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	switch {
	case err == nil:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("%s: unknown setting %q", path, undecoded[0].String())
		}
		if err := cfg.apply(fc); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func (c *Config) apply(fc fileConfig) error {
	if fc.MediaRoot != "" {
		c.MediaRoot = expandTilde(fc.MediaRoot)
	}
	c.FFmpeg = fc.FFmpeg
	c.FFprobe = fc.FFprobe
	c.MinChunkBytes = fc.MinChunkBytes
	c.Parallelism = fc.Parallelism
	if fc.MergeTimeout != "" {
		timeout, err := time.ParseDuration(fc.MergeTimeout)
		if err != nil {
			return fmt.Errorf("merge_timeout: %w", err)
		}
		c.MergeTimeout = timeout
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIDEREC_MEDIA_ROOT"); v != "" {
		cfg.MediaRoot = expandTilde(v)
	}
	if v := os.Getenv("SIDEREC_FFMPEG"); v != "" {
		cfg.FFmpeg = v
	}
	if v := os.Getenv("SIDEREC_FFPROBE"); v != "" {
		cfg.FFprobe = v
	}
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
