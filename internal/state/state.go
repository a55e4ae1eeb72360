// Package state holds the daemon's process-wide lifecycle state. One
// State value is owned by the daemon and shared with its pipelines;
// readers take a Snapshot.
package state

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// Phase is the daemon lifecycle phase.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

var phaseOrder = map[Phase]int{
	PhaseStarting: 0,
	PhaseRunning:  1,
	PhaseStopping: 2,
	PhaseStopped:  3,
}

// StreamStatus is the health of one stream pipeline.
type StreamStatus string

const (
	StatusNotConfigured StreamStatus = "not-configured"
	StatusStarting      StreamStatus = "starting"
	StatusRunning       StreamStatus = "running"
	StatusStopping      StreamStatus = "stopping"
	StatusStopped       StreamStatus = "stopped"
	StatusFailed        StreamStatus = "failed"
	StatusNotStarted    StreamStatus = "not-started"
)

// Terminal reports whether no further transitions are expected.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusNotStarted, StatusNotConfigured:
		return true
	}
	return false
}

// Resolution records which backend and device a stream ended up on.
type Resolution struct {
	Backend    string `json:"backend"`
	Device     string `json:"device"`
	DeviceName string `json:"device_name,omitempty"`
	Score      int    `json:"score"`
	Fallback   bool   `json:"fallback,omitempty"`
}

type stream struct {
	status     StreamStatus
	resolution *Resolution
	err        string
	counters   *Counters
	updated    time.Time
}

// State is the daemon's lifecycle state. All methods are safe for
// concurrent use.
type State struct {
	mu        sync.RWMutex
	pid       int
	session   string
	socket    string
	started   time.Time
	phase     Phase
	streams   map[audio.Role]*stream
	warnings  []string
	lastError string

	now func() time.Time
}

// New returns a State in PhaseStarting with both streams not configured.
func New(socket string) *State {
	s := &State{
		pid:     os.Getpid(),
		session: uuid.NewString(),
		socket:  socket,
		phase:   PhaseStarting,
		streams: make(map[audio.Role]*stream),
		now:     time.Now,
	}
	s.started = s.now()
	for _, role := range []audio.Role{audio.RoleInput, audio.RoleOutput} {
		s.streams[role] = &stream{status: StatusNotConfigured, counters: &Counters{}, updated: s.started}
	}
	return s
}

// Session returns the unique id of this daemon run.
func (s *State) Session() string { return s.session }

// StartedAt returns when the daemon started.
func (s *State) StartedAt() time.Time { return s.started }

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Transition moves the daemon to phase to. Phases only move forward;
// moving to the current phase is a no-op.
func (s *State) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := phaseOrder[to]
	if !ok {
		return fmt.Errorf("state: unknown phase %q", to)
	}
	if next < phaseOrder[s.phase] {
		return fmt.Errorf("state: cannot move from %s back to %s", s.phase, to)
	}
	s.phase = to
	return nil
}

// RegisterStream marks role as configured and attaches its counters.
func (s *State) RegisterStream(role audio.Role, counters *Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(role)
	st.status = StatusStarting
	if counters != nil {
		st.counters = counters
	}
	st.updated = s.now()
}

// SetStreamStatus records a stream status. A failed or not-started stream
// keeps that status; later stop transitions do not overwrite it.
func (s *State) SetStreamStatus(role audio.Role, status StreamStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(role)
	if (st.status == StatusFailed || st.status == StatusNotStarted) && status != StatusFailed {
		return
	}
	st.status = status
	if err != nil {
		st.err = err.Error()
	}
	st.updated = s.now()
}

// SetResolution records the device a stream resolved to.
func (s *State) SetResolution(role audio.Role, r Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(role)
	st.resolution = &r
	st.updated = s.now()
}

// StreamStatus returns the current status of role.
func (s *State) StreamStatus(role audio.Role) StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.streams[role]; ok {
		return st.status
	}
	return StatusNotConfigured
}

// AddWarning records a recovered condition shown by status.
func (s *State) AddWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// SetError records the most recent daemon-level error.
func (s *State) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func (s *State) stream(role audio.Role) *stream {
	st, ok := s.streams[role]
	if !ok {
		st = &stream{status: StatusNotConfigured, counters: &Counters{}}
		s.streams[role] = st
	}
	return st
}

// Snapshot is a consistent, detached copy of State.
type Snapshot struct {
	PID       int              `json:"pid"`
	Session   string           `json:"session"`
	Socket    string           `json:"socket"`
	Phase     Phase            `json:"phase"`
	StartedAt time.Time        `json:"started_at"`
	ElapsedMS int64            `json:"elapsed_ms"`
	Streams   []StreamSnapshot `json:"streams"`
	Warnings  []string         `json:"warnings,omitempty"`
	LastError string           `json:"last_error,omitempty"`
}

// StreamSnapshot is one stream's entry in a Snapshot.
type StreamSnapshot struct {
	Role       audio.Role      `json:"role"`
	Status     StreamStatus    `json:"status"`
	Resolution *Resolution     `json:"resolution,omitempty"`
	Error      string          `json:"error,omitempty"`
	Counters   CounterSnapshot `json:"counters"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Stream returns the entry for role.
func (s Snapshot) Stream(role audio.Role) (StreamSnapshot, bool) {
	for _, st := range s.Streams {
		if st.Role == role {
			return st, true
		}
	}
	return StreamSnapshot{}, false
}

// Elapsed returns how long the daemon had been up at snapshot time.
func (s Snapshot) Elapsed() time.Duration {
	return time.Duration(s.ElapsedMS) * time.Millisecond
}

// Snapshot copies the state without holding the lock afterwards.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		PID:       s.pid,
		Session:   s.session,
		Socket:    s.socket,
		Phase:     s.phase,
		StartedAt: s.started,
		ElapsedMS: s.now().Sub(s.started).Milliseconds(),
		Warnings:  append([]string(nil), s.warnings...),
		LastError: s.lastError,
	}
	for role, st := range s.streams {
		ss := StreamSnapshot{
			Role:      role,
			Status:    st.status,
			Error:     st.err,
			Counters:  st.counters.Snapshot(),
			UpdatedAt: st.updated,
		}
		if st.resolution != nil {
			r := *st.resolution
			ss.Resolution = &r
		}
		snap.Streams = append(snap.Streams, ss)
	}
	sort.Slice(snap.Streams, func(i, j int) bool {
		return roleRank(snap.Streams[i].Role) < roleRank(snap.Streams[j].Role)
	})
	return snap
}

func roleRank(r audio.Role) string {
	switch r {
	case audio.RoleInput:
		return "0"
	case audio.RoleOutput:
		return "1"
	}
	return "2" + string(r)
}
