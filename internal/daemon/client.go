package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chaz8081/gostt-live/internal/ipc"
	"github.com/chaz8081/gostt-live/internal/state"
)

// StartupLog receives the detached daemon's stdout and stderr.
const StartupLog = "gostt-live.out"

// Client controls a daemon from another process.
type Client struct {
	RunDir string
	// Executable is started as "<Executable> run <Args...>". Defaults to
	// the current binary.
	Executable string
	Args       []string

	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration
	Alive        LivenessFunc
}

// NewClient returns a client for the daemon in runDir.
func NewClient(runDir string) *Client {
	return &Client{
		RunDir:       runDir,
		StartTimeout: 15 * time.Second,
		StopTimeout:  45 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Alive:        ProcessAlive,
	}
}

func (c *Client) socket() string { return SocketPath(c.RunDir) }

// running returns the recorded owner when its process is alive.
func (c *Client) running() (LockInfo, bool) {
	info, err := ReadLock(LockPath(c.RunDir))
	if err != nil || info.PID == 0 {
		return LockInfo{}, false
	}
	return info, c.Alive(info.PID)
}

// Start spawns a detached daemon and waits until its control socket
// answers.
func (c *Client) Start(ctx context.Context) (state.Snapshot, error) {
	if info, ok := c.running(); ok {
		return state.Snapshot{}, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}

	exe := c.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return state.Snapshot{}, fmt.Errorf("daemon: locating executable: %w", err)
		}
		exe = self
	}
	if err := os.MkdirAll(c.RunDir, 0o700); err != nil {
		return state.Snapshot{}, fmt.Errorf("daemon: creating run dir: %w", err)
	}
	logPath := filepath.Join(c.RunDir, StartupLog)
	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("daemon: opening %s: %w", logPath, err)
	}
	defer out.Close()

	cmd := exec.Command(exe, append([]string{"run"}, c.Args...)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return state.Snapshot{}, fmt.Errorf("daemon: spawning %s: %w", exe, err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, c.StartTimeout)
	defer cancel()
	tick := time.NewTicker(c.PollInterval)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			if resp, sendErr := ipc.Send(ctx, c.socket(), ipc.CommandStatus); sendErr == nil && resp.Status != nil {
				return *resp.Status, nil
			}
			if err == nil {
				err = errors.New("exited")
			}
			return state.Snapshot{}, fmt.Errorf("daemon: process ended during startup (%v); see %s", err, logPath)
		case <-ctx.Done():
			return state.Snapshot{}, fmt.Errorf("daemon: waiting for %s: %w", c.socket(), ctx.Err())
		case <-tick.C:
			if !ipc.Reachable(c.socket()) {
				continue
			}
			resp, err := ipc.Send(ctx, c.socket(), ipc.CommandStatus)
			if err != nil || resp.Status == nil {
				continue
			}
			return *resp.Status, nil
		}
	}
}

// Stop asks the daemon to stop and waits until its lock is gone.
func (c *Client) Stop(ctx context.Context) error {
	resp, err := ipc.Send(ctx, c.socket(), ipc.CommandStop)
	if err != nil {
		if errors.Is(err, ipc.ErrNoDaemon) {
			if info, ok := c.running(); ok {
				return fmt.Errorf("daemon: pid %d holds the lock but does not answer on %s", info.PID, c.socket())
			}
			return ErrNotRunning
		}
		return err
	}
	if !resp.OK {
		return fmt.Errorf("daemon: stop refused: %s", resp.Error)
	}

	ctx, cancel := context.WithTimeout(ctx, c.StopTimeout)
	defer cancel()
	tick := time.NewTicker(c.PollInterval)
	defer tick.Stop()
	for {
		if _, ok := c.running(); !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon: waiting for shutdown: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// Status returns the running daemon's snapshot.
func (c *Client) Status(ctx context.Context) (state.Snapshot, error) {
	resp, err := ipc.Send(ctx, c.socket(), ipc.CommandStatus)
	if err != nil {
		if errors.Is(err, ipc.ErrNoDaemon) {
			return state.Snapshot{}, ErrNotRunning
		}
		return state.Snapshot{}, err
	}
	if !resp.OK || resp.Status == nil {
		return state.Snapshot{}, fmt.Errorf("daemon: status failed: %s", resp.Error)
	}
	return *resp.Status, nil
}
