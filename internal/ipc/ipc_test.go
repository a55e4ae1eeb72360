package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/state"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// Keep well under the unix socket path limit.
	dir, err := os.MkdirTemp("", "ipc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, h Handler) (*Server, context.CancelFunc) {
	t.Helper()
	srv, err := Listen(socketPath(t))
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, cancel
}

func TestSendStatus(t *testing.T) {
	st := state.New("sock")
	srv, _ := startServer(t, func(req Request) Response {
		if req.Command != CommandStatus {
			return Response{Error: "unexpected " + req.Command}
		}
		snap := st.Snapshot()
		return Response{OK: true, Status: &snap}
	})

	resp, err := Send(context.Background(), srv.Path(), CommandStatus)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !resp.OK {
		t.Fatalf("response not ok: %+v", resp)
	}
	if resp.Status == nil || resp.Status.Session != st.Session() {
		t.Errorf("Status = %+v", resp.Status)
	}
	if resp.Status.Phase != state.PhaseStarting {
		t.Errorf("Phase = %q", resp.Status.Phase)
	}
}

func TestRequestsAreSerialized(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	srv, _ := startServer(t, func(Request) Response {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return Response{OK: true}
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Send(context.Background(), srv.Path(), CommandStatus); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("concurrent handlers = %d, want 1", peak)
	}
}

func TestInvalidPayload(t *testing.T) {
	srv, _ := startServer(t, func(Request) Response { return Response{OK: true} })

	conn, err := net.Dial("unix", srv.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("not json"))
	conn.(*net.UnixConn).CloseWrite()

	buf := make([]byte, 256)
	n, _ := conn.Read(buf)
	if got := string(buf[:n]); got != `{"ok":false,"error":"invalid request payload"}`+"\n" {
		t.Errorf("response = %q", got)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	srv, _ := startServer(t, func(req Request) Response {
		if req.Command == "boom" {
			panic("kaboom")
		}
		return Response{OK: true}
	})

	resp, err := Send(context.Background(), srv.Path(), "boom")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.OK || resp.Error == "" {
		t.Errorf("panic response = %+v", resp)
	}
	// Server keeps serving.
	resp, err = Send(context.Background(), srv.Path(), CommandStatus)
	if err != nil || !resp.OK {
		t.Errorf("after panic: %+v, %v", resp, err)
	}
}

func TestSendNoDaemon(t *testing.T) {
	_, err := Send(context.Background(), socketPath(t), CommandStatus)
	if !errors.Is(err, ErrNoDaemon) {
		t.Errorf("Send() error = %v, want ErrNoDaemon", err)
	}
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	srv, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen() over stale file error = %v", err)
	}
	defer srv.Close()
	if !Reachable(path) {
		t.Error("socket not reachable after Listen")
	}
}

func TestListenRefusesLiveSocket(t *testing.T) {
	srv, _ := startServer(t, func(Request) Response { return Response{OK: true} })
	if _, err := Listen(srv.Path()); err == nil {
		t.Error("Listen() on a live socket should fail")
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	srv, err := Listen(socketPath(t))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), func(Request) Response { return Response{} }) }()

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
	if _, err := os.Stat(srv.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Error("socket file still present")
	}
	if Reachable(srv.Path()) {
		t.Error("socket still reachable")
	}
}
