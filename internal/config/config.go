package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	OutputDir   string `yaml:"output_dir"`
	RunDir      string `yaml:"run_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics

	Audio      AudioConfig      `yaml:"audio"`
	Input      StreamConfig     `yaml:"input"`
	Output     StreamConfig     `yaml:"output"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Queue      QueueConfig      `yaml:"queue"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	Clipboard     ToggleConfig  `yaml:"clipboard"`
	Notify        ToggleConfig  `yaml:"notify"`
}

// AudioConfig holds capture format settings shared by both streams.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint32 `yaml:"channels"`
	FrameMS    int    `yaml:"frame_ms"`
}

// StreamConfig configures the input (microphone) or output (monitor) stream.
type StreamConfig struct {
	Enabled         bool      `yaml:"enabled"`
	Backend         string    `yaml:"backend"` // "auto", "malgo", "pw-record" or "arecord"
	Device          string    `yaml:"device"`
	RawTranscript   string    `yaml:"raw_transcript"`
	FinalTranscript string    `yaml:"final_transcript"`
	VAD             VADConfig `yaml:"vad"`
}

// VADConfig holds segmentation thresholds.
type VADConfig struct {
	// Enabled false cuts fixed max_segment_ms windows without gating.
	Enabled         bool    `yaml:"enabled"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	SilenceHoldMS   int     `yaml:"silence_hold_ms"`
	MaxSegmentMS    int     `yaml:"max_segment_ms"`
	// MinSpeechMS is the speech needed before a segment is emitted; 0
	// means a single speech frame.
	MinSpeechMS int `yaml:"min_speech_ms"`
}

// TranscribeConfig holds external engine settings.
type TranscribeConfig struct {
	Executable    string        `yaml:"executable"`
	Model         string        `yaml:"model"` // "auto" picks the best cached model
	ModelCacheDir string        `yaml:"model_cache_dir"`
	Language      string        `yaml:"language"`
	Task          string        `yaml:"task"`
	OutputFormat  string        `yaml:"output_format"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	Backoff       time.Duration `yaml:"backoff"`
	KeepSegments  bool          `yaml:"keep_segments"`
}

// QueueConfig bounds the per-stream queues.
type QueueConfig struct {
	Frames   int `yaml:"frames"`
	Segments int `yaml:"segments"`
}

// ToggleConfig is an on/off feature switch.
type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-live")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultRunDir is where the lock file and control socket live.
func DefaultRunDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "gostt-live")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "gostt-live")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	vad := VADConfig{
		Enabled:         true,
		EnergyThreshold: 0.01,
		SilenceHoldMS:   500,
		MaxSegmentMS:    30000,
	}

	return &Config{
		OutputDir: filepath.Join(home, ".local", "share", "gostt-live"),
		RunDir:    DefaultRunDir(),
		LogLevel:  "info",
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			FrameMS:    30,
		},
		Input: StreamConfig{
			Enabled:         true,
			Backend:         "auto",
			Device:          "default",
			RawTranscript:   "live_raw.txt",
			FinalTranscript: "transcript.txt",
			VAD:             vad,
		},
		Output: StreamConfig{
			Enabled:         false,
			Backend:         "auto",
			Device:          "default",
			RawTranscript:   "output_raw.txt",
			FinalTranscript: "output_transcript.txt",
			VAD:             vad,
		},
		Transcribe: TranscribeConfig{
			Executable:    "/usr/local/bin/faster-whisper-gpu",
			Model:         "small",
			ModelCacheDir: filepath.Join(home, ".cache", "gostt-live", "models"),
			Language:      "auto",
			Task:          "transcribe",
			OutputFormat:  "txt",
			Timeout:       2 * time.Minute,
			Retries:       2,
			Backoff:       500 * time.Millisecond,
		},
		Queue: QueueConfig{
			Frames:   256,
			Segments: 16,
		},
		ShutdownGrace: 30 * time.Second,
		Clipboard:     ToggleConfig{Enabled: true},
		Notify:        ToggleConfig{Enabled: false},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.OutputDir = expandTilde(cfg.OutputDir)
	cfg.RunDir = expandTilde(cfg.RunDir)
	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.Transcribe.Executable = expandTilde(cfg.Transcribe.Executable)
	cfg.Transcribe.ModelCacheDir = expandTilde(cfg.Transcribe.ModelCacheDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir must not be empty")
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.FrameMS <= 0 {
		return fmt.Errorf("audio.frame_ms must be > 0")
	}

	if !c.Input.Enabled && !c.Output.Enabled {
		return fmt.Errorf("at least one of input.enabled or output.enabled must be true")
	}
	if err := c.Input.validate("input"); err != nil {
		return err
	}
	if err := c.Output.validate("output"); err != nil {
		return err
	}
	if c.Input.Enabled && c.Output.Enabled &&
		(c.Input.RawTranscript == c.Output.RawTranscript || c.Input.FinalTranscript == c.Output.FinalTranscript) {
		return fmt.Errorf("input and output must use different transcript files")
	}

	t := c.Transcribe
	if t.Executable == "" {
		return fmt.Errorf("transcribe.executable must not be empty")
	}
	if t.Model == "" {
		return fmt.Errorf("transcribe.model must not be empty")
	}
	switch t.Task {
	case "transcribe", "translate":
	default:
		return fmt.Errorf("transcribe.task must be \"transcribe\" or \"translate\", got %q", t.Task)
	}
	switch t.OutputFormat {
	case "txt", "srt", "vtt", "json":
	default:
		return fmt.Errorf("transcribe.output_format must be txt, srt, vtt, or json, got %q", t.OutputFormat)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("transcribe.timeout must be >= 0")
	}
	if t.Retries < 0 {
		return fmt.Errorf("transcribe.retries must be >= 0")
	}

	if c.Queue.Frames <= 0 || c.Queue.Segments <= 0 {
		return fmt.Errorf("queue.frames and queue.segments must be > 0")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func (s StreamConfig) validate(name string) error {
	if !s.Enabled {
		return nil
	}
	switch s.Backend {
	case "auto", "malgo", "pw-record", "arecord":
	default:
		return fmt.Errorf("%s.backend must be auto, malgo, pw-record, or arecord, got %q", name, s.Backend)
	}
	if name == "output" && s.Backend == "arecord" {
		return fmt.Errorf("output.backend: arecord cannot capture system output")
	}
	if s.Device == "" {
		return fmt.Errorf("%s.device must not be empty (use \"default\")", name)
	}
	if s.RawTranscript == "" || s.FinalTranscript == "" {
		return fmt.Errorf("%s.raw_transcript and %s.final_transcript must not be empty", name, name)
	}
	if s.VAD.EnergyThreshold < 0 || s.VAD.EnergyThreshold >= 1 {
		return fmt.Errorf("%s.vad.energy_threshold must be in [0, 1), got %v", name, s.VAD.EnergyThreshold)
	}
	if s.VAD.SilenceHoldMS <= 0 {
		return fmt.Errorf("%s.vad.silence_hold_ms must be > 0", name)
	}
	if s.VAD.MaxSegmentMS <= 0 {
		return fmt.Errorf("%s.vad.max_segment_ms must be > 0", name)
	}
	if s.VAD.MinSpeechMS < 0 || s.VAD.MinSpeechMS > s.VAD.MaxSegmentMS {
		return fmt.Errorf("%s.vad.min_speech_ms must be in [0, max_segment_ms], got %d", name, s.VAD.MinSpeechMS)
	}
	return nil
}

// ParseLogLevel converts a log level string to slog.Level.
// Unknown values default to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# gostt-live configuration
# Generated by "gostt-live init". Durations use Go syntax (500ms, 2m).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
