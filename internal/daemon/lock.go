package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning means a live daemon owns the lock.
	ErrAlreadyRunning = errors.New("daemon: already running")
	// ErrNotRunning means no daemon answers for the run directory.
	ErrNotRunning = errors.New("daemon: not running")
	// ErrStaleLockReclaimed is logged when a dead daemon's lock is taken
	// over. It is never returned to callers of Start.
	ErrStaleLockReclaimed = errors.New("daemon: stale lock reclaimed")
)

// LockInfo is the recovery state persisted in the lock file.
type LockInfo struct {
	PID       int       `json:"pid"`
	Socket    string    `json:"socket"`
	Session   string    `json:"session"`
	StartedAt time.Time `json:"started_at"`
}

// LivenessFunc reports whether pid names a running process.
type LivenessFunc func(pid int) bool

// ProcessAlive checks pid with gopsutil.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		slog.Debug("[daemon] pid check failed", "pid", pid, "error", err)
		return false
	}
	return ok
}

// ReadLock returns the info recorded at path. A missing file is
// ErrNotRunning; an unreadable one yields a zero LockInfo.
func ReadLock(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LockInfo{}, ErrNotRunning
		}
		return LockInfo{}, fmt.Errorf("daemon: reading lock: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		slog.Debug("[daemon] ignoring malformed lock file", "path", path, "error", err)
		return LockInfo{}, nil
	}
	return info, nil
}

// Lock is an acquired lock file. The file holds an exclusive flock for
// the lifetime of the daemon.
type Lock struct {
	path      string
	f         *os.File
	info      LockInfo
	reclaimed *LockInfo
}

// AcquireLock takes the lock at path and records info in it. It fails
// with ErrAlreadyRunning when another process holds the flock or when the
// recorded pid is still alive. A lock left by a dead process is reclaimed.
func AcquireLock(path string, info LockInfo, alive LivenessFunc) (*Lock, error) {
	if alive == nil {
		alive = ProcessAlive
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("daemon: creating run dir: %w", err)
	}

	f, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	l := &Lock{path: path, f: f, info: info}
	prev, err := ReadLock(path)
	if err != nil {
		l.close()
		return nil, err
	}
	if prev.PID != 0 && prev.PID != os.Getpid() {
		if alive(prev.PID) {
			l.close()
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, prev.PID)
		}
		l.reclaimed = &prev
	}

	data, err := json.Marshal(info)
	if err != nil {
		l.close()
		return nil, fmt.Errorf("daemon: encoding lock: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		l.close()
		return nil, fmt.Errorf("daemon: writing lock: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		l.close()
		return nil, fmt.Errorf("daemon: writing lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		l.close()
		return nil, fmt.Errorf("daemon: writing lock: %w", err)
	}
	return l, nil
}

// lockAttempts bounds how often lockFile chases a path whose inode was
// replaced between open and flock.
const lockAttempts = 5

// afterFlock runs between flock and the inode check; tests use it to
// replace the file underneath.
var afterFlock = func(string) {}

// lockFile opens path and takes an exclusive flock on it. A releasing
// daemon unlinks the file before unlocking, so the flock may land on an
// orphaned inode; the lock only counts when path still names the locked
// file.
func lockFile(path string) (*os.File, error) {
	for range lockAttempts {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("daemon: opening lock: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				prev, _ := ReadLock(path)
				return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, prev.PID)
			}
			return nil, fmt.Errorf("daemon: locking %s: %w", path, err)
		}
		afterFlock(path)

		held, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("daemon: stat lock: %w", err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return f, nil
		}
		slog.Debug("[daemon] lock file replaced while locking, retrying", "path", path)
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
	return nil, fmt.Errorf("daemon: locking %s: file kept changing", path)
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns what this lock recorded.
func (l *Lock) Info() LockInfo { return l.info }

// Reclaimed returns the dead owner's info when the lock was stale.
func (l *Lock) Reclaimed() (LockInfo, bool) {
	if l.reclaimed == nil {
		return LockInfo{}, false
	}
	return *l.reclaimed, true
}

// Release removes the lock file and drops the flock. It is safe to call
// more than once.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	l.close()
	if err != nil {
		return fmt.Errorf("daemon: removing lock: %w", err)
	}
	return nil
}

func (l *Lock) close() {
	if l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}
