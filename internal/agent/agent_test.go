package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/adsync/internal/errors"
	testutil "github.com/xtxerr/adsync/internal/testing"
)

type scripts struct {
	mu    sync.Mutex
	calls []string
	last  map[string]any
}

func (s *scripts) run(ctx context.Context, path string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, path)
	s.last = params
	if path == "fail.ps1" {
		return fmt.Errorf("exit status 1: %w", errors.ErrScriptFailed)
	}
	return nil
}

func pipeClient(t *testing.T, run ScriptFunc) *Client {
	t.Helper()
	local, remote := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go ServeConn(ctx, remote, run)
	c := NewWithConn(local, Config{RequestTimeout: 5 * time.Second})
	t.Cleanup(func() {
		cancel()
		c.Close()
		remote.Close()
	})
	return c
}

func TestClient_Run(t *testing.T) {
	s := &scripts{}
	c := pipeClient(t, s.run)

	params := map[string]any{"name": "bob", "groups": []string{"staff"}}
	if err := c.Run(context.Background(), "home.ps1", params); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := c.Run(context.Background(), "mailbox.ps1", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) != 2 || s.calls[0] != "home.ps1" || s.calls[1] != "mailbox.ps1" {
		t.Errorf("calls = %v, want [home.ps1 mailbox.ps1]", s.calls)
	}
}

func TestClient_ScriptFailure(t *testing.T) {
	s := &scripts{}
	c := pipeClient(t, s.run)

	err := c.Run(context.Background(), "fail.ps1", nil)
	if !errors.Is(err, errors.ErrScriptFailed) {
		t.Fatalf("Run() error = %v, want ErrScriptFailed", err)
	}

	// the connection survives a failed script
	if err := c.Run(context.Background(), "home.ps1", nil); err != nil {
		t.Errorf("Run() after failure error = %v", err)
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	c := pipeClient(t, func(ctx context.Context, path string, params map[string]any) error {
		<-release
		return nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := testutil.WithTimeout(5*time.Second, func() error {
		return c.Run(ctx, "slow.ps1", nil)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}

	// the broken pipe cannot be redialed
	if err := c.Run(context.Background(), "home.ps1", nil); !errors.Is(err, ErrNoAddress) {
		t.Errorf("Run() after timeout error = %v, want ErrNoAddress", err)
	}
}

func TestClient_Closed(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1"})
	c.Close()
	if err := c.Run(context.Background(), "home.ps1", nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Run() error = %v, want ErrClientClosed", err)
	}
}

func TestServe_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &scripts{}
	go Serve(ctx, ln, s.run)

	c := New(Config{Addr: ln.Addr().String()})
	defer c.Close()
	if err := c.Run(context.Background(), "home.ps1", map[string]any{"name": "carol"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last["name"] != "carol" {
		t.Errorf("params = %v, want name carol", s.last)
	}
}
