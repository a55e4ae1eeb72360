package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/daemon"
	"github.com/chaz8081/gostt-live/internal/state"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

var (
	configPath string
	statusJSON bool

	// Overrides for the one-shot transcribe and batch commands.
	flagModel        string
	flagLanguage     string
	flagTask         string
	flagOutputFormat string
	flagOutputDir    string
)

var rootCmd = &cobra.Command{
	Use:   "gostt-live",
	Short: "Live capture and transcription daemon",
	Long: `gostt-live records the microphone (and optionally the system output),
splits the audio into utterances with an energy-based voice detector and
hands each utterance to an external transcription engine. Lines are
appended to a raw transcript while the daemon runs; stopping it writes
the final transcripts and copies the text to the clipboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return nil
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		printBanner(cfg)

		d, err := daemon.New(cfg, daemon.Deps{})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		snap, err := client(cfg).Start(cmd.Context())
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Println("Daemon is already running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Daemon started (pid %d)\n", snap.PID)
		printStatus(os.Stdout, snap)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon and write final transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		err = client(cfg).Stop(cmd.Context())
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("Daemon is not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Daemon stopped. Transcripts are in %s\n", cfg.OutputDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		snap, err := client(cfg).Status(cmd.Context())
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printStatus(os.Stdout, snap)
		return nil
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe one audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closeLog, err := oneShotRunner()
		if err != nil {
			return err
		}
		defer closeLog()
		out, err := r.File(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Transcribe every audio file in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closeLog, err := oneShotRunner()
		if err != nil {
			return err
		}
		defer closeLog()
		sum, err := r.Dir(cmd.Context(), args[0])
		printBatchSummary(os.Stdout, sum)
		if err != nil {
			return err
		}
		if len(sum.Failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(sum.Failed), len(sum.Failed)+len(sum.Outputs))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/gostt-live/config.yaml)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status as JSON")

	for _, c := range []*cobra.Command{transcribeCmd, batchCmd} {
		c.Flags().StringVar(&flagModel, "model", "", "model name, e.g. small, medium, large-v3 or auto")
		c.Flags().StringVar(&flagLanguage, "language", "", "language code or auto")
		c.Flags().StringVar(&flagTask, "task", "", "transcribe or translate")
		c.Flags().StringVar(&flagOutputFormat, "output-format", "", "txt, srt, vtt or json")
		c.Flags().StringVar(&flagOutputDir, "output-dir", "", "directory for result files (default: output_dir)")
	}

	rootCmd.AddCommand(initCmd, runCmd, startCmd, stopCmd, statusCmd, transcribeCmd, batchCmd)
}

// oneShotRunner loads the config, sets up logging and builds a file
// runner with the command-line overrides applied.
func oneShotRunner() (*transcribe.FileRunner, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	r := fileRunner(cfg)
	if err := r.Options.Validate(); err != nil {
		return nil, nil, err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	return r, closeLog, nil
}

func fileRunner(cfg *config.Config) *transcribe.FileRunner {
	t := cfg.Transcribe
	opts := transcribe.Options{
		Model:        t.Model,
		Language:     t.Language,
		Task:         t.Task,
		OutputFormat: t.OutputFormat,
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&opts.Model, flagModel)
	override(&opts.Language, flagLanguage)
	override(&opts.Task, flagTask)
	override(&opts.OutputFormat, flagOutputFormat)
	outDir := cfg.OutputDir
	override(&outDir, flagOutputDir)

	engine := transcribe.NewExecEngine(t.Executable)
	engine.ModelCacheDir = t.ModelCacheDir
	return &transcribe.FileRunner{
		Engine:    engine,
		OutputDir: outDir,
		Options:   opts,
		Timeout:   t.Timeout,
	}
}

func printBatchSummary(w io.Writer, sum transcribe.BatchSummary) {
	for _, out := range sum.Outputs {
		fmt.Fprintf(w, "ok       %s\n", out)
	}
	failed := make([]string, 0, len(sum.Failed))
	for path := range sum.Failed {
		failed = append(failed, path)
	}
	slices.Sort(failed)
	for _, path := range failed {
		fmt.Fprintf(w, "failed   %s: %v\n", path, sum.Failed[path])
	}
	for _, path := range sum.Skipped {
		fmt.Fprintf(w, "skipped  %s\n", path)
	}
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped\n", len(sum.Outputs), len(sum.Failed), len(sum.Skipped))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.Load(path)
	default:
		defaultPath := config.DefaultConfigPath()
		if _, statErr := os.Stat(defaultPath); statErr == nil {
			cfg, err = config.Load(defaultPath)
			if err != nil {
				err = fmt.Errorf("loading %s: %w", defaultPath, err)
			}
		} else {
			cfg = config.Default()
		}
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func client(cfg *config.Config) *daemon.Client {
	c := daemon.NewClient(cfg.RunDir)
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err == nil {
			c.Args = []string{"--config", abs}
		}
	}
	c.StopTimeout = cfg.ShutdownGrace + 15*time.Second
	return c
}

// setupLogging installs a text handler on stderr and, when log_file is
// set, on that file too.
func setupLogging(cfg *config.Config) (func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return closeFn, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "=== gostt-live ===")
	fmt.Fprintf(os.Stderr, "  Input:   %s\n", streamSummary(cfg.Input))
	fmt.Fprintf(os.Stderr, "  Output:  %s\n", streamSummary(cfg.Output))
	fmt.Fprintf(os.Stderr, "  Audio:   %dHz, %dch, %dms frames\n", cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.FrameMS)
	fmt.Fprintf(os.Stderr, "  Engine:  %s (model %s, %s)\n", cfg.Transcribe.Executable, cfg.Transcribe.Model, cfg.Transcribe.Task)
	fmt.Fprintf(os.Stderr, "  Dir:     %s\n", cfg.OutputDir)
	fmt.Fprintf(os.Stderr, "  Log:     %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "==================")
}

func streamSummary(s config.StreamConfig) string {
	if !s.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s/%s -> %s", s.Backend, s.Device, s.RawTranscript)
}

func printStatus(w io.Writer, snap state.Snapshot) {
	fmt.Fprintf(w, "Phase:    %s\n", snap.Phase)
	fmt.Fprintf(w, "Session:  %s (pid %d)\n", snap.Session, snap.PID)
	fmt.Fprintf(w, "Elapsed:  %s\n", snap.Elapsed().Round(time.Second))
	for _, st := range snap.Streams {
		fmt.Fprintf(w, "%-8s  %s", st.Role, st.Status)
		if r := st.Resolution; r != nil {
			name := r.DeviceName
			if name == "" {
				name = r.Device
			}
			fmt.Fprintf(w, "  %s %q score=%d", r.Backend, name, r.Score)
			if r.Fallback {
				fmt.Fprint(w, " (fallback)")
			}
		}
		fmt.Fprintln(w)
		c := st.Counters
		if st.Status != state.StatusNotConfigured {
			fmt.Fprintf(w, "          segments=%d transcripts=%d failed=%d frames_dropped=%d segments_dropped=%d\n",
				c.SegmentsEmitted, c.TranscriptsWritten, c.TranscriptionsFailed, c.FramesDropped, c.SegmentsDropped)
		}
		if st.Error != "" {
			fmt.Fprintf(w, "          error: %s\n", st.Error)
		}
	}
	for _, warn := range snap.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if snap.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", snap.LastError)
	}
}
