package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"siderec/internal/capture"
	"siderec/internal/models"
	"siderec/internal/observability/logging"
)

type app struct {
	configPath string
	mediaRoot  string
	verbose    bool

	// runner replaces ffmpeg in tests.
	runner capture.Runner

	cfg       Config
	store     *capture.ChunkStore
	validator *capture.Validator
	engine    *capture.Engine
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sidecli",
		Short:         "Inspect and merge recorded meeting chunks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML config file (default ./sidecli.toml when present)")
	root.PersistentFlags().StringVar(&a.mediaRoot, "media-root", "", "media root, overrides the config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log merge progress to stderr")

	root.AddCommand(newUsersCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newMergeCmd(a))
	root.AddCommand(newSideBySideCmd(a))
	root.AddCommand(newDoctorCmd(a))
	return root
}

func (a *app) init(stderr io.Writer) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.mediaRoot != "" {
		cfg.MediaRoot = a.mediaRoot
	}
	a.cfg = cfg

	logger := logging.Discard()
	if a.verbose {
		logger = logging.New(logging.Config{Level: "debug", Format: "text", Writer: stderr})
	}
	store, err := capture.NewChunkStore(cfg.MediaRoot)
	if err != nil {
		return err
	}
	tools := capture.Tools{FFmpeg: cfg.FFmpeg, FFprobe: cfg.FFprobe}
	a.store = store
	a.validator = capture.NewValidator(capture.ValidatorConfig{
		Runner:        a.runner,
		Tools:         tools,
		MinChunkBytes: cfg.MinChunkBytes,
		Parallelism:   cfg.Parallelism,
	})
	a.engine, err = capture.NewEngine(capture.EngineConfig{
		Store:     store,
		Validator: a.validator,
		Runner:    a.runner,
		Tools:     tools,
		Timeout:   cfg.MergeTimeout,
		Logger:    logger,
	})
	return err
}

func newUsersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "users <meetingId>",
		Short: "List users with uploaded chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := a.store.Users(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, user := range users {
				chunks, err := a.store.List(cmd.Context(), args[0], user)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%d chunks\n", user, len(chunks))
			}
			return nil
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <meetingId> <userId>",
		Short: "Report which chunks would survive a merge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := a.store.List(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			result, err := a.validator.Validate(cmd.Context(), chunks)
			if err != nil && !errors.Is(err, capture.ErrNotEnoughChunks) {
				return err
			}
			out := cmd.OutOrStdout()
			for _, chunk := range result.Valid {
				fmt.Fprintf(out, "ok\t%d\t%d bytes\n", chunk.Index, chunk.SizeBytes)
			}
			for _, d := range result.Discarded {
				fmt.Fprintf(out, "discard\t%d\t%s\n", d.Chunk.Index, d.Reason)
			}
			fmt.Fprintf(out, "%d of %d chunks usable\n", len(result.Valid), len(chunks))
			return err
		},
	}
}

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <meetingId> <userId>",
		Short: "Concatenate one user's chunks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := a.engine.MergeUser(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printArtifact(cmd.OutOrStdout(), artifact)
			return nil
		},
	}
}

func newSideBySideCmd(a *app) *cobra.Command {
	var mergeFirst bool
	cmd := &cobra.Command{
		Use:   "side-by-side <meetingId> <leftUserId> <rightUserId>",
		Short: "Compose two merged recordings into the final mp4",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mergeFirst {
				for _, user := range args[1:] {
					artifact, err := a.engine.MergeUser(cmd.Context(), args[0], user)
					if err != nil {
						return err
					}
					printArtifact(cmd.OutOrStdout(), artifact)
				}
			}
			artifact, err := a.engine.MergeSideBySide(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			printArtifact(cmd.OutOrStdout(), artifact)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mergeFirst, "merge-users", false, "merge both users' chunks before composing")
	return cmd
}

func newDoctorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that ffmpeg and ffprobe are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "media root\t%s\n", a.store.Root())
			if err := (capture.Tools{FFmpeg: a.cfg.FFmpeg, FFprobe: a.cfg.FFprobe}).Check(); err != nil {
				fmt.Fprintf(out, "media tools\tmissing: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "media tools\tok")
			return nil
		},
	}
}

func printArtifact(w io.Writer, artifact models.MergedArtifact) {
	label := string(artifact.Kind)
	if artifact.UserID != "" {
		label += " " + artifact.UserID
	}
	fmt.Fprintf(w, "%s\t%s\t%d bytes\tblake2b:%s\n", label, artifact.Path, artifact.SizeBytes, artifact.Digest)
}
