// Package ipc implements the daemon's control endpoint: one JSON request
// and one JSON response per connection on a unix socket.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/gostt-live/internal/state"
)

// Commands understood by the daemon.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandStatus = "status"
)

// maxRequestSize bounds a single request body.
const maxRequestSize = 64 * 1024

var (
	// ErrNoDaemon means nothing is listening on the socket.
	ErrNoDaemon = errors.New("ipc: daemon socket not reachable")
	// ErrBadResponse means the daemon answered with something unparseable.
	ErrBadResponse = errors.New("ipc: invalid response from daemon")
)

// Request is one control command.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request.
type Response struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Status  *state.Snapshot `json:"status,omitempty"`
}

// Handler answers requests. It is called from a single goroutine.
type Handler func(Request) Response

// Server accepts control connections one at a time.
type Server struct {
	path string
	ln   net.Listener

	// Deadline bounds reading a request and writing its response.
	Deadline time.Duration

	closeOnce sync.Once
}

// Listen binds the socket at path. A leftover socket file from a dead
// daemon is removed first; a socket that still answers is left alone.
func Listen(path string) (*Server, error) {
	if _, err := os.Lstat(path); err == nil {
		if Reachable(path) {
			return nil, fmt.Errorf("ipc: socket %s is in use", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("ipc: removing stale socket: %w", err)
		}
		slog.Warn("[ipc] removed stale socket", "path", path)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: securing socket: %w", err)
	}
	return &Server{path: path, ln: ln, Deadline: 5 * time.Second}, nil
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Serve handles connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("[ipc] accept failed", "error", err)
			continue
		}
		s.handle(conn, h)
	}
}

func (s *Server) handle(conn net.Conn, h Handler) {
	defer conn.Close()
	if s.Deadline > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.Deadline))
	}

	resp := s.respond(conn, h)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Debug("[ipc] writing response failed", "error", err)
	}
}

func (s *Server) respond(conn net.Conn, h Handler) (resp Response) {
	data, err := io.ReadAll(io.LimitReader(conn, maxRequestSize))
	if err != nil {
		return Response{Error: fmt.Sprintf("reading request: %v", err)}
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Error: "invalid request payload"}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("[ipc] handler panic", "command", req.Command, "panic", r)
			resp = Response{Error: fmt.Sprintf("handler error: %v", r)}
		}
	}()
	slog.Debug("[ipc] request", "command", req.Command)
	return h(req)
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	})
	return err
}

// Send delivers one command to the daemon at path and returns its answer.
func Send(ctx context.Context, path, command string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNoDaemon, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(Request{Command: command}); err != nil {
		return Response{}, fmt.Errorf("ipc: sending %s: %w", command, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return resp, nil
}

// Reachable reports whether a daemon answers on path.
func Reachable(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
