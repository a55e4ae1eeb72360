package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoDefault means the sound server reported no default for the role.
var ErrNoDefault = errors.New("device: no system default")

// SourceInfo is the sound server's metadata for one capture source.
type SourceInfo struct {
	Name              string
	Description       string
	DeviceDescription string
	ProductName       string
	CardName          string
	LongCardName      string
	NodeName          string
}

// Bluetooth reports whether the source is a BlueZ node.
func (s SourceInfo) Bluetooth() bool {
	for _, p := range []string{"bluez_input", "bluez_output", "bluez_source"} {
		if strings.HasPrefix(s.Name, p) {
			return true
		}
	}
	return false
}

// Label is the most human-readable name available.
func (s SourceInfo) Label() string {
	for _, v := range []string{s.Description, s.DeviceDescription, s.ProductName} {
		if v != "" {
			return v
		}
	}
	return s.Name
}

func (s SourceInfo) candidates() []string {
	return []string{s.Name, s.Description, s.DeviceDescription, s.ProductName, s.CardName, s.LongCardName, s.NodeName}
}

// SystemAudio answers which source the desktop currently treats as default.
type SystemAudio interface {
	// DefaultSource describes the default input source.
	DefaultSource(ctx context.Context) (SourceInfo, error)
	// DefaultSinkMonitor describes the monitor source of the default sink.
	DefaultSinkMonitor(ctx context.Context) (SourceInfo, error)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// PactlSystem reads defaults from `pactl`, which PulseAudio and
// pipewire-pulse both provide.
type PactlSystem struct {
	Run Runner
}

// NewPactlSystem returns a PactlSystem that runs the real pactl binary.
func NewPactlSystem() *PactlSystem {
	return &PactlSystem{Run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DefaultSource implements SystemAudio.
func (p *PactlSystem) DefaultSource(ctx context.Context) (SourceInfo, error) {
	info, err := p.info(ctx)
	if err != nil {
		return SourceInfo{}, err
	}
	name := info["Default Source"]
	if name == "" {
		return SourceInfo{}, fmt.Errorf("%w: default source", ErrNoDefault)
	}
	return p.source(ctx, name, false)
}

// DefaultSinkMonitor implements SystemAudio.
func (p *PactlSystem) DefaultSinkMonitor(ctx context.Context) (SourceInfo, error) {
	info, err := p.info(ctx)
	if err != nil {
		return SourceInfo{}, err
	}
	sink := info["Default Sink"]
	if sink == "" {
		return SourceInfo{}, fmt.Errorf("%w: default sink", ErrNoDefault)
	}
	return p.source(ctx, sink+".monitor", true)
}

func (p *PactlSystem) info(ctx context.Context) (map[string]string, error) {
	out, err := p.Run(ctx, "pactl", "info")
	if err != nil {
		return nil, fmt.Errorf("device: pactl info: %w", err)
	}
	return parseInfo(out), nil
}

// source looks name up in the source list. A missing source is an error
// only when required; otherwise the bare name is returned.
func (p *PactlSystem) source(ctx context.Context, name string, required bool) (SourceInfo, error) {
	out, err := p.Run(ctx, "pactl", "list", "sources")
	if err != nil {
		if required {
			return SourceInfo{}, fmt.Errorf("device: pactl list sources: %w", err)
		}
		return SourceInfo{Name: name}, nil
	}
	for _, s := range parseSources(out) {
		if s.Name == name {
			return s, nil
		}
	}
	if required {
		return SourceInfo{}, fmt.Errorf("%w: source %s not listed", ErrNoDefault, name)
	}
	return SourceInfo{Name: name}, nil
}

func parseInfo(out []byte) map[string]string {
	info := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return info
}

func parseSources(out []byte) []SourceInfo {
	var (
		sources []SourceInfo
		cur     *SourceInfo
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Source #") {
			sources = append(sources, SourceInfo{})
			cur = &sources[len(sources)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if v, ok := strings.CutPrefix(line, "Name:"); ok {
			cur.Name = strings.TrimSpace(v)
			continue
		}
		if v, ok := strings.CutPrefix(line, "Description:"); ok {
			cur.Description = strings.TrimSpace(v)
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(key) {
		case "device.description":
			cur.DeviceDescription = value
		case "device.product.name":
			cur.ProductName = value
		case "alsa.card_name":
			cur.CardName = value
		case "alsa.long_card_name":
			cur.LongCardName = value
		case "node.name":
			cur.NodeName = value
		}
	}
	return sources
}
