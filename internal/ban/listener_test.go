package ban

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inercia/bulwark/internal/logging"
)

type checkerFunc func(string) bool

func (f checkerFunc) IsBanned(_ context.Context, ip string) bool { return f(ip) }

func TestFilteredListener_AcceptsAllowed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	filtered := NewFilteredListener(ln, checkerFunc(func(string) bool { return false }), logging.Discard())

	acceptDone := make(chan net.Conn, 1)
	go func() {
		conn, err := filtered.Accept()
		if err != nil {
			return
		}
		acceptDone <- conn
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case accepted := <-acceptDone:
		accepted.Close()
	case <-time.After(time.Second):
		t.Error("expected connection to be accepted")
	}
}

func TestFilteredListener_RejectsBanned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	var banned atomic.Bool
	banned.Store(true)
	filtered := NewFilteredListener(ln, checkerFunc(func(ip string) bool {
		return ip == "127.0.0.1" && banned.Load()
	}), logging.Discard())

	var rejected atomic.Int32
	filtered.SetRejectedCallback(func(ip string) {
		rejected.Add(1)
		banned.Store(false)
	})

	acceptDone := make(chan net.Conn, 1)
	go func() {
		conn, err := filtered.Accept()
		if err != nil {
			return
		}
		acceptDone <- conn
	}()

	// The first connection is closed by the listener.
	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer first.Close()
	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := first.Read(make([]byte, 1)); err != io.EOF {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatal("banned connection was not closed")
		}
	}

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer second.Close()

	select {
	case accepted := <-acceptDone:
		accepted.Close()
	case <-time.After(time.Second):
		t.Fatal("expected the second connection to be accepted")
	}
	ln.Close()

	if got := rejected.Load(); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}
